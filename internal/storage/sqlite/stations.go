package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/oh8fks/aprsmap/internal/aprs"
)

const stationCols = `id, name, source_id,
	latest_packet_id, latest_packet_ts,
	latest_confirmed_packet_id, latest_confirmed_packet_ts,
	latest_confirmed_lat, latest_confirmed_lon,
	latest_confirmed_symbol, latest_confirmed_symbol_table, latest_confirmed_marker_id,
	latest_weather_packet_id, latest_weather_ts,
	latest_telemetry_packet_id, latest_telemetry_ts,
	latest_ogn_packet_id, latest_ogn_ts`

func scanStation(row scanner) (*aprs.Station, error) {
	var (
		st       aprs.Station
		lat, lon sql.NullFloat64
	)
	err := row.Scan(
		&st.ID, &st.Name, &st.SourceID,
		&st.LatestPacketID, &st.LatestPacketTimestamp,
		&st.LatestConfirmedPacketID, &st.LatestConfirmedPacketTimestamp,
		&lat, &lon,
		&st.LatestConfirmedSymbol, &st.LatestConfirmedSymbolTable, &st.LatestConfirmedMarkerID,
		&st.LatestWeatherPacketID, &st.LatestWeatherTimestamp,
		&st.LatestTelemetryPacketID, &st.LatestTelemetryTs,
		&st.LatestOGNPacketID, &st.LatestOGNTimestamp,
	)
	if err != nil {
		return nil, err
	}
	if lat.Valid {
		st.LatestConfirmedLat = &lat.Float64
	}
	if lon.Valid {
		st.LatestConfirmedLon = &lon.Float64
	}
	return &st, nil
}

// GetByID returns the station aggregate, or ErrStationNotFound.
func (s *Store) GetByID(ctx context.Context, id int64) (*aprs.Station, error) {
	query := fmt.Sprintf(`SELECT %s FROM stations WHERE id = ?`, stationCols)
	st, err := scanStation(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, aprs.ErrStationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query station %d: %w", id, err)
	}
	return st, nil
}

// GetByName returns the station aggregate for a name and source, or
// ErrStationNotFound.
func (s *Store) GetByName(ctx context.Context, name string, sourceID int) (*aprs.Station, error) {
	query := fmt.Sprintf(`SELECT %s FROM stations WHERE name = ? AND source_id = ?`, stationCols)
	st, err := scanStation(s.db.QueryRowContext(ctx, query, name, sourceID))
	if err == sql.ErrNoRows {
		return nil, aprs.ErrStationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query station %q: %w", name, err)
	}
	return st, nil
}

// GetOrCreate returns the station, creating it on first sight.
func (s *Store) GetOrCreate(ctx context.Context, name string, sourceID int) (*aprs.Station, error) {
	st, err := s.GetByName(ctx, name, sourceID)
	if err == nil {
		return st, nil
	}
	if err != aprs.ErrStationNotFound {
		return nil, err
	}

	// Racing workers may both insert; OR IGNORE makes the loser re-read.
	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO stations (name, source_id) VALUES (?, ?)`, name, sourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to create station %q: %w", name, err)
	}
	return s.GetByName(ctx, name, sourceID)
}

// UpdateLatestPointers refreshes the aggregates' latest pointers from
// freshly committed packets. Pointers only move forward in time.
func (s *Store) UpdateLatestPointers(ctx context.Context, packets []*aprs.Packet) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin pointer update: %v", aprs.ErrConnectivityLost, err)
	}
	defer tx.Rollback()

	for _, p := range packets {
		_, err := tx.ExecContext(ctx, `
			UPDATE stations SET latest_packet_id = ?, latest_packet_ts = ?
			WHERE id = ? AND latest_packet_ts <= ?`,
			p.ID, p.Timestamp, p.StationID, p.Timestamp)
		if err != nil {
			return fmt.Errorf("failed to update latest pointer: %w", err)
		}

		if p.MapID == aprs.ClassOnMapConfirmed && p.HasPosition() {
			_, err := tx.ExecContext(ctx, `
				UPDATE stations SET
					latest_confirmed_packet_id = ?, latest_confirmed_packet_ts = ?,
					latest_confirmed_lat = ?, latest_confirmed_lon = ?,
					latest_confirmed_symbol = ?, latest_confirmed_symbol_table = ?,
					latest_confirmed_marker_id = ?
				WHERE id = ? AND latest_confirmed_packet_ts <= ?`,
				p.ID, p.Timestamp, *p.Lat, *p.Lon, p.Symbol, p.SymbolTable, p.MarkerID,
				p.StationID, p.Timestamp)
			if err != nil {
				return fmt.Errorf("failed to update confirmed pointer: %w", err)
			}
		}
		if p.Weather != nil {
			if err := updateSidePointer(ctx, tx, "latest_weather_packet_id", "latest_weather_ts", p); err != nil {
				return err
			}
		}
		if p.Telemetry != nil {
			if err := updateSidePointer(ctx, tx, "latest_telemetry_packet_id", "latest_telemetry_ts", p); err != nil {
				return err
			}
		}
		if p.OGN != nil {
			if err := updateSidePointer(ctx, tx, "latest_ogn_packet_id", "latest_ogn_ts", p); err != nil {
				return err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit pointer update: %v", aprs.ErrConnectivityLost, err)
	}
	return nil
}

func updateSidePointer(ctx context.Context, tx *sql.Tx, idCol, tsCol string, p *aprs.Packet) error {
	query := fmt.Sprintf(`UPDATE stations SET %s = ?, %s = ? WHERE id = ? AND %s <= ?`,
		idCol, tsCol, tsCol)
	if _, err := tx.ExecContext(ctx, query, p.ID, p.Timestamp, p.StationID, p.Timestamp); err != nil {
		return fmt.Errorf("failed to update %s: %w", idCol, err)
	}
	return nil
}

// NextMarkerID mints the next marker id from the persistent sequence.
func (s *Store) NextMarkerID(ctx context.Context) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: begin marker mint: %v", aprs.ErrConnectivityLost, err)
	}
	defer tx.Rollback()

	var id int64
	if err := tx.QueryRowContext(ctx, `SELECT next_id FROM marker_seq WHERE id = 1`).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to read marker sequence: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE marker_seq SET next_id = ? WHERE id = 1`, id+1); err != nil {
		return 0, fmt.Errorf("failed to advance marker sequence: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: commit marker mint: %v", aprs.ErrConnectivityLost, err)
	}
	return id, nil
}
