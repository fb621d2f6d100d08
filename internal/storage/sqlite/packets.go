package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/oh8fks/aprsmap/internal/aprs"
)

// packetCols is the column list every packet query selects, matching
// scanPacket's order.
const packetCols = `id, station_id, station_name, sender_id, sender_name, source_id,
	packet_type_id, timestamp, reported_timestamp, position_timestamp, tail_timestamp,
	lat, lon, symbol_table, symbol, map_cell, map_id, is_moving, marker_id, marker_counter,
	replaces_packet_id, replaces_timestamp, confirms_packet_id, confirms_timestamp,
	abnormal_packet_id, abnormal_timestamp, related_cells,
	speed, course, altitude, range_km, phg, range_ts, phg_ts,
	comment, raw_path, raw, path, kill_flag, weather, telemetry, ogn`

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPacket(row scanner) (*aprs.Packet, error) {
	var (
		p            aprs.Packet
		lat, lon     sql.NullFloat64
		speed        sql.NullFloat64
		course       sql.NullFloat64
		altitude     sql.NullFloat64
		rangeKm      sql.NullFloat64
		relatedCells string
		pathJSON     string
		weatherJSON  string
		telemJSON    string
		ognJSON      string
	)

	err := row.Scan(
		&p.ID, &p.StationID, &p.StationName, &p.SenderID, &p.SenderName, &p.SourceID,
		&p.PacketTypeID, &p.Timestamp, &p.ReportedTimestamp, &p.PositionTimestamp, &p.TailTimestamp,
		&lat, &lon, &p.SymbolTable, &p.Symbol, &p.MapCell, &p.MapID, &p.IsMoving, &p.MarkerID, &p.MarkerCounter,
		&p.ReplacesPacketID, &p.ReplacesTimestamp, &p.ConfirmsPacketID, &p.ConfirmsTimestamp,
		&p.AbnormalPacketID, &p.AbnormalTimestamp, &relatedCells,
		&speed, &course, &altitude, &rangeKm, &p.PHG, &p.RangeTs, &p.PHGTs,
		&p.Comment, &p.RawPath, &p.Raw, &pathJSON, &p.KillFlag, &weatherJSON, &telemJSON, &ognJSON,
	)
	if err != nil {
		return nil, err
	}

	if lat.Valid {
		p.Lat = &lat.Float64
	}
	if lon.Valid {
		p.Lon = &lon.Float64
	}
	if speed.Valid {
		p.Speed = &speed.Float64
	}
	if course.Valid {
		p.Course = &course.Float64
	}
	if altitude.Valid {
		p.Altitude = &altitude.Float64
	}
	if rangeKm.Valid {
		p.RangeKm = &rangeKm.Float64
	}
	p.RelatedCells = decodeCells(relatedCells)
	if pathJSON != "" {
		_ = json.Unmarshal([]byte(pathJSON), &p.Path)
	}
	if weatherJSON != "" {
		p.Weather = &aprs.WeatherReport{}
		_ = json.Unmarshal([]byte(weatherJSON), p.Weather)
	}
	if telemJSON != "" {
		p.Telemetry = &aprs.TelemetryReport{}
		_ = json.Unmarshal([]byte(telemJSON), p.Telemetry)
	}
	if ognJSON != "" {
		p.OGN = &aprs.OGNReport{}
		_ = json.Unmarshal([]byte(ognJSON), p.OGN)
	}
	return &p, nil
}

// encodeCells stores a cell list as a comma-delimited string with leading
// and trailing commas, so a single cell can be matched exactly with LIKE.
func encodeCells(cells []int64) string {
	if len(cells) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteByte(',')
	for _, c := range cells {
		b.WriteString(strconv.FormatInt(c, 10))
		b.WriteByte(',')
	}
	return b.String()
}

func decodeCells(s string) []int64 {
	if s == "" {
		return nil
	}
	parts := strings.Split(strings.Trim(s, ","), ",")
	cells := make([]int64, 0, len(parts))
	for _, part := range parts {
		if v, err := strconv.ParseInt(part, 10, 64); err == nil {
			cells = append(cells, v)
		}
	}
	return cells
}

// marshalJSON encodes an optional side record, empty when absent.
func marshalJSON[T any](v *T) string {
	if v == nil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// FindLatest returns the station's most recent packet of any class, or nil.
func (s *Store) FindLatest(ctx context.Context, stationID int64) (*aprs.Packet, error) {
	var st aprs.Station
	err := s.db.QueryRowContext(ctx,
		`SELECT latest_packet_id, latest_packet_ts FROM stations WHERE id = ?`, stationID).
		Scan(&st.LatestPacketID, &st.LatestPacketTimestamp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read station latest pointer: %w", err)
	}
	if st.LatestPacketID == 0 {
		return nil, nil
	}
	return s.getPacketByID(ctx, st.LatestPacketID, st.LatestPacketTimestamp)
}

// getPacketByID fetches a packet by id from the partition its timestamp
// addresses. A missing partition or row yields nil: the pointer is stale.
func (s *Store) getPacketByID(ctx context.Context, id, ts int64) (*aprs.Packet, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, packetCols, packetsTable(ts))
	p, err := scanPacket(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows || isMissingTable(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch packet %d: %w", id, err)
	}
	return p, nil
}

// FindPrevious returns the most recent packet matching the query, walking
// day partitions newest first.
func (s *Store) FindPrevious(ctx context.Context, stationID int64, q aprs.PrevQuery) (*aprs.Packet, error) {
	where := []string{"station_id = ?", "timestamp >= ?"}
	args := []interface{}{stationID, q.Since}

	if len(q.Classes) > 0 {
		placeholders := make([]string, len(q.Classes))
		for i, class := range q.Classes {
			placeholders[i] = "?"
			args = append(args, int(class))
		}
		where = append(where, "map_id IN ("+strings.Join(placeholders, ",")+")")
	}
	if q.Moving != nil {
		where = append(where, "is_moving = ?")
		args = append(args, *q.Moving)
	}
	if q.Lat != nil && q.Lon != nil {
		where = append(where, "ROUND(lat, 5) = ROUND(?, 5)", "ROUND(lon, 5) = ROUND(?, 5)")
		args = append(args, *q.Lat, *q.Lon)
	}
	if q.Symbol != "" {
		where = append(where, "symbol = ?", "symbol_table = ?")
		args = append(args, q.Symbol, q.SymbolTable)
	}
	clause := strings.Join(where, " AND ")

	now := nowUnix()
	for _, day := range partitionsBetween(q.Since, now) {
		query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s ORDER BY timestamp DESC, id DESC LIMIT 1`,
			packetCols, packetsTable(day), clause)
		p, err := scanPacket(s.db.QueryRowContext(ctx, query, args...))
		if err == sql.ErrNoRows || isMissingTable(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to query previous packet: %w", err)
		}
		return p, nil
	}
	return nil, nil
}

// CountMovesSince counts stored packets with the given symbol and a
// position different from (lat, lon), newer than since.
func (s *Store) CountMovesSince(ctx context.Context, stationID int64, symbol, symbolTable string, lat, lon float64, since int64) (int, error) {
	total := 0
	for _, day := range partitionsBetween(since, nowUnix()) {
		query := fmt.Sprintf(`
			SELECT COUNT(*) FROM %s
			WHERE station_id = ? AND timestamp >= ?
			  AND symbol = ? AND symbol_table = ?
			  AND lat IS NOT NULL AND lon IS NOT NULL
			  AND (ROUND(lat, 5) != ROUND(?, 5) OR ROUND(lon, 5) != ROUND(?, 5))`,
			packetsTable(day))
		var n int
		err := s.db.QueryRowContext(ctx, query,
			stationID, since, symbol, symbolTable, lat, lon).Scan(&n)
		if isMissingTable(err) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("failed to count position changes: %w", err)
		}
		total += n
	}
	return total, nil
}

// Commit applies the batch atomically: link rewrites first, then the
// inserts, all in one transaction. Returns assigned row ids in insert
// order.
func (s *Store) Commit(ctx context.Context, batch *aprs.CommitBatch) ([]int64, error) {
	// Partition tables are created outside the transaction; CREATE TABLE
	// IF NOT EXISTS is idempotent and safe to run ahead of a failed commit.
	for _, p := range batch.Packets {
		if err := s.ensurePartition(ctx, p.Timestamp); err != nil {
			return nil, fmt.Errorf("%w: %v", aprs.ErrConnectivityLost, err)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin commit transaction: %v", aprs.ErrConnectivityLost, err)
	}
	defer tx.Rollback()

	for _, link := range batch.Links {
		placeholders := make([]string, len(link.PacketIDs))
		args := make([]interface{}, 0, len(link.PacketIDs)+1)
		args = append(args, int(link.NewClass))
		for i, id := range link.PacketIDs {
			placeholders[i] = "?"
			args = append(args, id)
		}
		query := fmt.Sprintf(`UPDATE %s SET map_id = ? WHERE id IN (%s)`,
			packetsTable(link.PartitionTs), strings.Join(placeholders, ","))
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			// A missing target partition means the linked packets are gone
			// (pruned); the new packets are still valid.
			if isMissingTable(err) {
				continue
			}
			return nil, fmt.Errorf("failed to apply link update: %w", err)
		}
	}

	ids := make([]int64, 0, len(batch.Packets))
	for _, p := range batch.Packets {
		query := fmt.Sprintf(`
			INSERT INTO %s (
				station_id, station_name, sender_id, sender_name, source_id,
				packet_type_id, timestamp, reported_timestamp, position_timestamp, tail_timestamp,
				lat, lon, symbol_table, symbol, map_cell, map_id, is_moving, marker_id, marker_counter,
				replaces_packet_id, replaces_timestamp, confirms_packet_id, confirms_timestamp,
				abnormal_packet_id, abnormal_timestamp, related_cells,
				speed, course, altitude, range_km, phg, range_ts, phg_ts,
				comment, raw_path, raw, path, kill_flag, weather, telemetry, ogn
			) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			packetsTable(p.Timestamp))

		res, err := tx.ExecContext(ctx, query,
			p.StationID, p.StationName, p.SenderID, p.SenderName, p.SourceID,
			p.PacketTypeID, p.Timestamp, p.ReportedTimestamp, p.PositionTimestamp, p.TailTimestamp,
			nullFloat(p.Lat), nullFloat(p.Lon), p.SymbolTable, p.Symbol,
			p.MapCell, int(p.MapID), p.IsMoving, p.MarkerID, p.MarkerCounter,
			p.ReplacesPacketID, p.ReplacesTimestamp, p.ConfirmsPacketID, p.ConfirmsTimestamp,
			p.AbnormalPacketID, p.AbnormalTimestamp, encodeCells(p.RelatedCells),
			nullFloat(p.Speed), nullFloat(p.Course), nullFloat(p.Altitude), nullFloat(p.RangeKm),
			p.PHG, p.RangeTs, p.PHGTs,
			p.Comment, p.RawPath, p.Raw, marshalPath(p.Path), p.KillFlag,
			marshalJSON(p.Weather), marshalJSON(p.Telemetry), marshalJSON(p.OGN),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to insert packet: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("failed to read insert id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit batch: %v", aprs.ErrConnectivityLost, err)
	}
	return ids, nil
}

// FindStationIDsInCell lists stations with map-visible packets in the cell
// within [start, end], including packets whose track segment crosses it.
func (s *Store) FindStationIDsInCell(ctx context.Context, cell int64, start, end int64) ([]int64, error) {
	seen := make(map[int64]struct{})
	var out []int64

	cellMatch := "%," + strconv.FormatInt(cell, 10) + ",%"
	for _, day := range partitionsBetween(start, end) {
		query := fmt.Sprintf(`
			SELECT DISTINCT station_id FROM %s
			WHERE timestamp BETWEEN ? AND ?
			  AND map_id IN (1, 7)
			  AND (map_cell = ? OR related_cells LIKE ?)`,
			packetsTable(day))
		rows, err := s.db.QueryContext(ctx, query, start, end, cell, cellMatch)
		if isMissingTable(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to query stations in cell: %w", err)
		}
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan station id: %w", err)
			}
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				out = append(out, id)
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to iterate stations in cell: %w", err)
		}
		rows.Close()
	}
	return out, nil
}

// GetHistory returns map-relevant packets (drawn plus their replaced
// history) for the stations within [start, end], oldest first.
func (s *Store) GetHistory(ctx context.Context, stationIDs []int64, start, end int64) ([]*aprs.Packet, error) {
	if len(stationIDs) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(stationIDs))
	args := make([]interface{}, 0, len(stationIDs)+2)
	args = append(args, start, end)
	for i, id := range stationIDs {
		placeholders[i] = "?"
		args = append(args, id)
	}

	var out []*aprs.Packet
	days := partitionsBetween(start, end)
	// Oldest partition first so the combined result is chronological.
	for i := len(days) - 1; i >= 0; i-- {
		query := fmt.Sprintf(`
			SELECT %s FROM %s
			WHERE timestamp BETWEEN ? AND ?
			  AND map_id IN (1, 2, 7)
			  AND station_id IN (%s)
			ORDER BY timestamp ASC, id ASC`,
			packetCols, packetsTable(days[i]), strings.Join(placeholders, ","))
		rows, err := s.db.QueryContext(ctx, query, args...)
		if isMissingTable(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to query history: %w", err)
		}
		for rows.Next() {
			p, err := scanPacket(rows)
			if err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan history packet: %w", err)
			}
			out = append(out, p)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to iterate history: %w", err)
		}
		rows.Close()
	}
	return out, nil
}

// GetLatest returns each station's newest packet via the station pointers.
func (s *Store) GetLatest(ctx context.Context, stationIDs []int64) ([]*aprs.Packet, error) {
	return s.getByPointers(ctx, stationIDs, "latest_packet_id", "latest_packet_ts")
}

// GetLatestConfirmed returns each station's newest confirmed packet.
func (s *Store) GetLatestConfirmed(ctx context.Context, stationIDs []int64) ([]*aprs.Packet, error) {
	return s.getByPointers(ctx, stationIDs, "latest_confirmed_packet_id", "latest_confirmed_packet_ts")
}

func (s *Store) getByPointers(ctx context.Context, stationIDs []int64, idCol, tsCol string) ([]*aprs.Packet, error) {
	var out []*aprs.Packet
	for _, stationID := range stationIDs {
		var id, ts int64
		query := fmt.Sprintf(`SELECT %s, %s FROM stations WHERE id = ?`, idCol, tsCol)
		err := s.db.QueryRowContext(ctx, query, stationID).Scan(&id, &ts)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read station pointers: %w", err)
		}
		if id == 0 {
			continue
		}
		p, err := s.getPacketByID(ctx, id, ts)
		if err != nil {
			return nil, err
		}
		if p != nil {
			out = append(out, p)
		}
	}
	return out, nil
}

func nullFloat(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func marshalPath(path []aprs.DigiHop) string {
	if len(path) == 0 {
		return ""
	}
	b, err := json.Marshal(path)
	if err != nil {
		return ""
	}
	return string(b)
}
