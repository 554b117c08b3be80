package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
)

func (s *LocalStore) appendRow(ctx context.Context, t Table, rec goqu.Record) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var key int64
	err := s.conn.inTx(ctx, func(tx *sql.Tx) error {
		session, err := s.currentSession(ctx, tx)
		if err != nil {
			return err
		}
		if _, ok := rec[colTime]; !ok && t.HasColumn(colTime) {
			rec[colTime] = s.Now()
		}
		key, err = s.appendLocked(ctx, tx, t, session, rec)
		if err != nil {
			return fmt.Errorf("failed to append to %s: %w", t.Name, err)
		}
		return nil
	})
	return key, err
}

// InsertFlightData records a scalar flight value
func (s *LocalStore) InsertFlightData(ctx context.Context, name string, value float64) (int64, error) {
	return s.appendRow(ctx, FlightData, goqu.Record{"name": name, "value": value})
}

// InsertFlightObject records a structured flight value (JSON text)
func (s *LocalStore) InsertFlightObject(ctx context.Context, name, data string) (int64, error) {
	return s.appendRow(ctx, FlightDataObject, goqu.Record{"name": name, "data": data})
}

// InsertFlightBinary records an opaque flight blob
func (s *LocalStore) InsertFlightBinary(ctx context.Context, name string, data []byte) (int64, error) {
	return s.appendRow(ctx, FlightDataBinary, goqu.Record{"name": name, "data": data})
}

// InsertRadioState records a duplex modem status sample
func (s *LocalStore) InsertRadioState(ctx context.Context, st RadioState) (int64, error) {
	return s.appendRow(ctx, DuplexRadioState, goqu.Record{
		"registered":      boolInt(st.Registered),
		"signal_strength": st.SignalStrength,
		"network":         st.Network,
		"call_state":      st.CallState,
	})
}

// InsertLocation records a position fix
func (s *LocalStore) InsertLocation(ctx context.Context, loc Location) (int64, error) {
	rec := goqu.Record{
		"latitude":  loc.Latitude,
		"longitude": loc.Longitude,
		"altitude":  loc.Altitude,
		"speed":     loc.Speed,
		"fix":       boolInt(loc.Fix),
		"source":    loc.Source,
	}
	if loc.GPSTime.Valid {
		rec["gps_time"] = loc.GPSTime.Time.UTC()
	}
	if !loc.Time.IsZero() {
		rec[colTime] = loc.Time.UTC()
	}
	return s.appendRow(ctx, LocationData, rec)
}

// LatestLocation returns the most recent Location_Data row
func (s *LocalStore) LatestLocation(ctx context.Context) (Location, error) {
	r, err := s.latestRow(ctx, s.conn.db, LocationData)
	if err != nil {
		return Location{}, err
	}
	return Location{
		SessionID: r.Int64(colSession),
		Time:      r.Time(colTime).Time,
		Latitude:  r.Float("latitude"),
		Longitude: r.Float("longitude"),
		Altitude:  r.Float("altitude"),
		Speed:     r.Float("speed"),
		Fix:       r.Bool("fix"),
		GPSTime:   r.Time("gps_time"),
		Source:    r.Text("source"),
	}, nil
}

// LatestRadioState returns the most recent Duplex_Radio_State row
func (s *LocalStore) LatestRadioState(ctx context.Context) (RadioState, error) {
	r, err := s.latestRow(ctx, s.conn.db, DuplexRadioState)
	if err != nil {
		return RadioState{}, err
	}
	return RadioState{
		Registered:     r.Bool("registered"),
		SignalStrength: r.Int("signal_strength"),
		Network:        r.Text("network"),
		CallState:      r.Text("call_state"),
	}, nil
}

// AppDescriptor returns the static record of an application
func (s *LocalStore) AppDescriptor(ctx context.Context, appUUID string) (AppDescriptor, error) {
	rows, err := s.conn.query(ctx, s.conn.db, s.conn.from(tableAppDescriptor).Where(goqu.C("app_uuid").Eq(appUUID)).Limit(1))
	if err != nil {
		return AppDescriptor{}, err
	}
	found, err := scanRows(rows)
	if err != nil {
		return AppDescriptor{}, err
	}
	if len(found) == 0 {
		return AppDescriptor{}, fmt.Errorf("application %s: %w", appUUID, ErrNotFound)
	}
	return appFromRow(found[0]), nil
}

// BoardApps lists the applications hosted on a board
func (s *LocalStore) BoardApps(ctx context.Context, boardID int64) ([]AppDescriptor, error) {
	rows, err := s.conn.query(ctx, s.conn.db, s.conn.from(tableAppDescriptor).
		Where(goqu.C("board_id").Eq(boardID)).
		Order(goqu.C("app_uuid").Asc()))
	if err != nil {
		return nil, err
	}
	found, err := scanRows(rows)
	if err != nil {
		return nil, err
	}
	out := make([]AppDescriptor, 0, len(found))
	for _, r := range found {
		out = append(out, appFromRow(r))
	}
	return out, nil
}

func appFromRow(r Row) AppDescriptor {
	return AppDescriptor{
		AppUUID:  r.Text("app_uuid"),
		Name:     r.Text("name"),
		FileName: r.Text("file_name"),
		BoardID:  r.Int64("board_id"),
	}
}

// BoardConnection returns how to reach a host board
func (s *LocalStore) BoardConnection(ctx context.Context, boardID int64) (BoardConnection, error) {
	rows, err := s.conn.query(ctx, s.conn.db, s.conn.from(tableBoardConnection).Where(goqu.C("board_id").Eq(boardID)).Limit(1))
	if err != nil {
		return BoardConnection{}, err
	}
	found, err := scanRows(rows)
	if err != nil {
		return BoardConnection{}, err
	}
	if len(found) == 0 {
		return BoardConnection{}, fmt.Errorf("board %d: %w", boardID, ErrNotFound)
	}
	r := found[0]
	return BoardConnection{
		BoardID:     r.Int64("board_id"),
		Method:      r.Text("method"),
		Host:        r.Text("host"),
		Port:        r.Int("port"),
		User:        r.Text("user"),
		PasswordEnv: r.Text("password_env"),
	}, nil
}

// AppState returns the latest state code of an application
func (s *LocalStore) AppState(ctx context.Context, appUUID string) (int, error) {
	rows, err := s.conn.query(ctx, s.conn.db, s.conn.from(ApplicationState.Name).
		Select(goqu.C("state")).
		Where(goqu.C("app_uuid").Eq(appUUID)).
		Order(goqu.C(colEventKey).Desc()).
		Limit(1))
	if err != nil {
		return 0, err
	}
	found, err := scanRows(rows)
	if err != nil {
		return 0, err
	}
	if len(found) == 0 {
		return 0, fmt.Errorf("state of %s: %w", appUUID, ErrNotFound)
	}
	return found[0].Int("state"), nil
}

// SetAppState appends a new application state row
func (s *LocalStore) SetAppState(ctx context.Context, appUUID string, code int, message string) error {
	if !ValidAppState(code) {
		return fmt.Errorf("invalid application state %d", code)
	}
	_, err := s.appendRow(ctx, ApplicationState, goqu.Record{
		"app_uuid": appUUID,
		"state":    code,
		"message":  message,
	})
	return err
}

// SimplexConfig returns the simplex modem settings
func (s *LocalStore) SimplexConfig(ctx context.Context) (SimplexConfig, error) {
	rows, err := s.conn.query(ctx, s.conn.db, s.conn.from(tableSimplexConfig).Order(goqu.C("id").Desc()).Limit(1))
	if err != nil {
		return SimplexConfig{}, err
	}
	found, err := scanRows(rows)
	if err != nil {
		return SimplexConfig{}, err
	}
	if len(found) == 0 {
		return SimplexConfig{}, fmt.Errorf("simplex configuration: %w", ErrNotFound)
	}
	r := found[0]
	return SimplexConfig{
		PacketGroupXmitRate:      r.Float("packet_group_xmit_rate"),
		MaximumRepeats:           r.Int("maximum_repeats"),
		RepeatDelay:              r.Float("repeat_delay"),
		Channel:                  r.Int("channel"),
		Initialised:              r.Bool("simplex_initialised"),
		NumberBurstTransmissions: r.Int("number_burst_transmissions"),
		CBTMin:                   r.Int("CBTMIN"),
		CBTMax:                   r.Int("CBTMAX"),
	}, nil
}

// MarkSimplexInitialised records the fresh-install modem settings
func (s *LocalStore) MarkSimplexInitialised(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.exec(ctx, s.conn.db, s.conn.update(tableSimplexConfig).Set(goqu.Record{
		"simplex_initialised":        1,
		"number_burst_transmissions": DefaultBurstTransmissions,
		"CBTMIN":                     DefaultCBTMin,
		"CBTMAX":                     DefaultCBTMax,
	}))
	return err
}

// SetSimplexChannel records the channel last set on the modem
func (s *LocalStore) SetSimplexChannel(ctx context.Context, channel int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.exec(ctx, s.conn.db, s.conn.update(tableSimplexConfig).Set(goqu.Record{"channel": channel}))
	return err
}

// SimplexMessage returns the outbound message template for packetID
func (s *LocalStore) SimplexMessage(ctx context.Context, packetID int) (SimplexMessage, error) {
	rows, err := s.conn.query(ctx, s.conn.db, s.conn.from(tableSimplexMessages).Where(goqu.C("packet_id").Eq(packetID)).Limit(1))
	if err != nil {
		return SimplexMessage{}, err
	}
	found, err := scanRows(rows)
	if err != nil {
		return SimplexMessage{}, err
	}
	if len(found) == 0 {
		return SimplexMessage{}, fmt.Errorf("simplex message %d: %w", packetID, ErrNotFound)
	}
	r := found[0]
	return SimplexMessage{
		PacketID:   r.Int("packet_id"),
		PacketType: r.Text("packet_type"),
		Payload:    r.Text("payload"),
	}, nil
}

// ArchiveBeacon records a transmit attempt
func (s *LocalStore) ArchiveBeacon(ctx context.Context, a BeaconArchive) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.SessionID == 0 {
		session, err := s.currentSession(ctx, s.conn.db)
		if err != nil {
			return err
		}
		a.SessionID = session
	}
	if a.Time.IsZero() {
		a.Time = s.Now()
	}
	_, err := s.conn.exec(ctx, s.conn.db, s.conn.insert(tableSimplexArchive).Rows(goqu.Record{
		colSession:    a.SessionID,
		colTime:       a.Time,
		"packet_type": a.PacketType,
		"ascii":       a.ASCII,
		"hex":         a.Hex,
		"channel":     a.Channel,
		"sent":        boolInt(a.Sent),
	}))
	if err != nil {
		return fmt.Errorf("failed to archive beacon: %w", err)
	}
	return nil
}

// BeaconArchiveSince lists archived packets recorded at or after t
func (s *LocalStore) BeaconArchiveSince(ctx context.Context, since time.Time) ([]BeaconArchive, error) {
	rows, err := s.conn.query(ctx, s.conn.db, s.conn.from(tableSimplexArchive).
		Where(goqu.C(colTime).Gte(since.UTC())).
		Order(goqu.C("id").Asc()))
	if err != nil {
		return nil, err
	}
	found, err := scanRows(rows)
	if err != nil {
		return nil, err
	}
	out := make([]BeaconArchive, 0, len(found))
	for _, r := range found {
		out = append(out, BeaconArchive{
			SessionID:  r.Int64(colSession),
			Time:       r.Time(colTime).Time,
			PacketType: r.Text("packet_type"),
			ASCII:      r.Text("ascii"),
			Hex:        r.Text("hex"),
			Channel:    r.Int("channel"),
			Sent:       r.Bool("sent"),
		})
	}
	return out, nil
}

// Filter selects rows for retrieve commands. The zero value selects all.
type Filter struct {
	SessionID int64
	Since     time.Time
}

// Retrieve returns t's rows matching f in event-key order
func (s *LocalStore) Retrieve(ctx context.Context, t Table, f Filter) ([]Row, error) {
	var where []exp.Expression
	if f.SessionID != 0 {
		where = append(where, goqu.C(colSession).Eq(f.SessionID))
	}
	if !f.Since.IsZero() && t.HasColumn(colTime) {
		where = append(where, goqu.C(colTime).Gte(f.Since.UTC()))
	}
	sel := s.conn.from(t.Name).Select(toIdents(t.Columns)...).Where(where...)
	if t.HasColumn(colEventKey) {
		sel = sel.Order(goqu.C(colEventKey).Asc())
	}
	rows, err := s.conn.query(ctx, s.conn.db, sel)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve %s: %w", t.Name, err)
	}
	return scanRows(rows)
}
