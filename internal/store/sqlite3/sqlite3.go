// Package sqlite3 is the SQLite-backed store.Storer, the default backend
// for a single-instance RORI deployment.
package sqlite3

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/rakunlabs/at/internal/config"
	"github.com/rakunlabs/at/internal/model"
	"github.com/rakunlabs/at/internal/store"

	_ "modernc.org/sqlite"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/doug-martin/goqu/v9/exp"
)

// DefaultTablePrefix matches the teacher codebase's table-prefix convention.
var DefaultTablePrefix = "rori_"

// SQLite is the SQLite-backed implementation of store.Storer.
type SQLite struct {
	db   *sql.DB
	goqu *goqu.Database

	tableDevices exp.IdentifierExpression
	tableModules exp.IdentifierExpression
	tableTasks   exp.IdentifierExpression
}

// New opens (and migrates) a SQLite-backed store.
func New(ctx context.Context, cfg *config.StoreSQLite) (*SQLite, error) {
	if cfg == nil {
		return nil, errors.New("sqlite configuration is nil")
	}
	if cfg.Datasource == "" {
		return nil, errors.New("sqlite datasource is required")
	}

	tablePrefix := DefaultTablePrefix
	if cfg.TablePrefix != nil {
		tablePrefix = *cfg.TablePrefix
	}

	migrate := cfg.Migrate
	if migrate.Table == "" {
		migrate.Table = "migrations"
	}
	if migrate.Datasource == "" {
		migrate.Datasource = cfg.Datasource
	}
	migrate.Table = tablePrefix + migrate.Table
	if migrate.Values == nil {
		migrate.Values = make(map[string]string)
	}
	migrate.Values["TABLE_PREFIX"] = tablePrefix

	if err := MigrateDB(ctx, &migrate); err != nil {
		return nil, fmt.Errorf("migrate store sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.Datasource)
	if err != nil {
		return nil, fmt.Errorf("open sqlite connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	// SQLite is single-writer; limit connections accordingly.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	slog.Info("connected to store sqlite")

	dbGoqu := goqu.New("sqlite3", db)

	return &SQLite{
		db:           db,
		goqu:         dbGoqu,
		tableDevices: goqu.T(tablePrefix + "devices"),
		tableModules: goqu.T(tablePrefix + "modules"),
		tableTasks:   goqu.T(tablePrefix + "tasks"),
	}, nil
}

func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ─── Devices ───

type deviceRow struct {
	ID         int64          `db:"id"`
	Hash       string         `db:"hash"`
	Username   sql.NullString `db:"username"`
	DeviceName string         `db:"device_name"`
	SubAuthor  sql.NullString `db:"sub_author"`
	IsBridge   bool           `db:"is_bridge"`
	Datatypes  sql.NullString `db:"datatypes"`
}

func (r deviceRow) toModel() (model.Device, error) {
	var datatypes []string
	if r.Datatypes.Valid && r.Datatypes.String != "" {
		if err := json.Unmarshal([]byte(r.Datatypes.String), &datatypes); err != nil {
			return model.Device{}, fmt.Errorf("decode datatypes for device %d: %w", r.ID, err)
		}
	}

	return model.Device{
		ID:         r.ID,
		Hash:       r.Hash,
		Username:   r.Username.String,
		DeviceName: r.DeviceName,
		SubAuthor:  r.SubAuthor.String,
		IsBridge:   r.IsBridge,
		Datatypes:  datatypes,
	}, nil
}

func deviceRecord(d model.Device) (goqu.Record, error) {
	datatypes, err := json.Marshal(d.Datatypes)
	if err != nil {
		return nil, fmt.Errorf("encode datatypes: %w", err)
	}

	return goqu.Record{
		"hash":        d.Hash,
		"username":    nullableString(d.Username),
		"device_name": d.DeviceName,
		"sub_author":  nullableString(d.SubAuthor),
		"is_bridge":   d.IsBridge,
		"datatypes":   string(datatypes),
	}, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (s *SQLite) AddDevice(ctx context.Context, d model.Device) (model.Device, error) {
	rec, err := deviceRecord(d)
	if err != nil {
		return model.Device{}, err
	}

	query, _, err := s.goqu.Insert(s.tableDevices).Rows(rec).ToSQL()
	if err != nil {
		return model.Device{}, fmt.Errorf("build insert query: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query)
	if err != nil {
		if isUniqueViolation(err) {
			return model.Device{}, store.ErrAlreadyExists
		}
		return model.Device{}, fmt.Errorf("insert device: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return model.Device{}, fmt.Errorf("last insert id: %w", err)
	}
	d.ID = id

	return d, nil
}

func (s *SQLite) DeviceByHash(ctx context.Context, hash string) (model.Device, error) {
	query, _, err := s.goqu.From(s.tableDevices).
		Select("id", "hash", "username", "device_name", "sub_author", "is_bridge", "datatypes").
		Where(goqu.I("hash").Eq(hash)).
		ToSQL()
	if err != nil {
		return model.Device{}, fmt.Errorf("build query: %w", err)
	}

	var row deviceRow
	err = s.db.QueryRowContext(ctx, query).Scan(
		&row.ID, &row.Hash, &row.Username, &row.DeviceName, &row.SubAuthor, &row.IsBridge, &row.Datatypes,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Device{}, store.ErrNotFound
	}
	if err != nil {
		return model.Device{}, fmt.Errorf("get device %q: %w", hash, err)
	}

	return row.toModel()
}

func (s *SQLite) UpdateDevice(ctx context.Context, d model.Device) error {
	rec, err := deviceRecord(d)
	if err != nil {
		return err
	}

	query, _, err := s.goqu.Update(s.tableDevices).Set(rec).Where(goqu.I("hash").Eq(d.Hash)).ToSQL()
	if err != nil {
		return fmt.Errorf("build update query: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("update device %q: %w", d.Hash, err)
	}

	return requireAffected(res, store.ErrNotFound)
}

func (s *SQLite) RemoveDevice(ctx context.Context, hash string) error {
	query, _, err := s.goqu.Delete(s.tableDevices).Where(goqu.I("hash").Eq(hash)).ToSQL()
	if err != nil {
		return fmt.Errorf("build delete query: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("delete device %q: %w", hash, err)
	}

	return requireAffected(res, store.ErrNotFound)
}

func (s *SQLite) DevicesByUsername(ctx context.Context, username string) ([]model.Device, error) {
	q := s.goqu.From(s.tableDevices).
		Select("id", "hash", "username", "device_name", "sub_author", "is_bridge", "datatypes").
		Order(goqu.I("id").Asc())

	if username == "" {
		q = q.Where(goqu.Or(goqu.I("username").IsNull(), goqu.I("username").Eq("")))
	} else {
		q = q.Where(goqu.I("username").Eq(username))
	}

	query, _, err := q.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	return s.queryDevices(ctx, query)
}

func (s *SQLite) AllUsers(ctx context.Context) ([]model.User, error) {
	query, _, err := s.goqu.From(s.tableDevices).
		Select("id", "hash", "username", "device_name", "sub_author", "is_bridge", "datatypes").
		Where(goqu.I("username").IsNotNull(), goqu.I("username").Neq("")).
		Order(goqu.I("username").Asc(), goqu.I("id").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	devs, err := s.queryDevices(ctx, query)
	if err != nil {
		return nil, err
	}

	var users []model.User
	for _, d := range devs {
		if len(users) == 0 || users[len(users)-1].Name != d.Username {
			users = append(users, model.User{Name: d.Username})
		}
		users[len(users)-1].Devices = append(users[len(users)-1].Devices, d)
	}

	return users, nil
}

func (s *SQLite) AllDevices(ctx context.Context) ([]model.Device, error) {
	query, _, err := s.goqu.From(s.tableDevices).
		Select("id", "hash", "username", "device_name", "sub_author", "is_bridge", "datatypes").
		Order(goqu.I("id").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	return s.queryDevices(ctx, query)
}

func (s *SQLite) queryDevices(ctx context.Context, query string) ([]model.Device, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query devices: %w", err)
	}
	defer rows.Close()

	var out []model.Device
	for rows.Next() {
		var row deviceRow
		if err := rows.Scan(&row.ID, &row.Hash, &row.Username, &row.DeviceName, &row.SubAuthor, &row.IsBridge, &row.Datatypes); err != nil {
			return nil, fmt.Errorf("scan device row: %w", err)
		}
		d, err := row.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}

	return out, rows.Err()
}

// ─── Modules ───

type moduleRow struct {
	ID        int64  `db:"id"`
	Name      string `db:"name"`
	Priority  int64  `db:"priority"`
	Enabled   bool   `db:"enabled"`
	Datatype  string `db:"datatype"`
	Condition string `db:"condition"`
	Path      string `db:"path"`
}

func (r moduleRow) toModel() model.Module {
	return model.Module{
		ID: r.ID, Name: r.Name, Priority: r.Priority, Enabled: r.Enabled,
		Datatype: r.Datatype, Condition: r.Condition, Path: r.Path,
	}
}

func moduleRecord(m model.Module) goqu.Record {
	return goqu.Record{
		"name": m.Name, "priority": m.Priority, "enabled": m.Enabled,
		"datatype": m.Datatype, "condition": m.Condition, "path": m.Path,
	}
}

func (s *SQLite) AddModule(ctx context.Context, m model.Module) (model.Module, error) {
	query, _, err := s.goqu.Insert(s.tableModules).Rows(moduleRecord(m)).ToSQL()
	if err != nil {
		return model.Module{}, fmt.Errorf("build insert query: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query)
	if err != nil {
		if isUniqueViolation(err) {
			return model.Module{}, store.ErrAlreadyExists
		}
		return model.Module{}, fmt.Errorf("insert module: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return model.Module{}, fmt.Errorf("last insert id: %w", err)
	}
	m.ID = id

	return m, nil
}

func (s *SQLite) moduleBy(ctx context.Context, col string, value any) (model.Module, error) {
	query, _, err := s.goqu.From(s.tableModules).
		Select("id", "name", "priority", "enabled", "datatype", "condition", "path").
		Where(goqu.I(col).Eq(value)).
		ToSQL()
	if err != nil {
		return model.Module{}, fmt.Errorf("build query: %w", err)
	}

	var row moduleRow
	err = s.db.QueryRowContext(ctx, query).Scan(&row.ID, &row.Name, &row.Priority, &row.Enabled, &row.Datatype, &row.Condition, &row.Path)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Module{}, store.ErrNotFound
	}
	if err != nil {
		return model.Module{}, fmt.Errorf("get module: %w", err)
	}

	return row.toModel(), nil
}

func (s *SQLite) ModuleByName(ctx context.Context, name string) (model.Module, error) {
	return s.moduleBy(ctx, "name", name)
}

func (s *SQLite) ModuleByID(ctx context.Context, id int64) (model.Module, error) {
	return s.moduleBy(ctx, "id", id)
}

func (s *SQLite) UpdateModule(ctx context.Context, m model.Module) error {
	query, _, err := s.goqu.Update(s.tableModules).Set(moduleRecord(m)).Where(goqu.I("name").Eq(m.Name)).ToSQL()
	if err != nil {
		return fmt.Errorf("build update query: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("update module %q: %w", m.Name, err)
	}

	return requireAffected(res, store.ErrNotFound)
}

func (s *SQLite) RemoveModule(ctx context.Context, name string) error {
	query, _, err := s.goqu.Delete(s.tableModules).Where(goqu.I("name").Eq(name)).ToSQL()
	if err != nil {
		return fmt.Errorf("build delete query: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("delete module %q: %w", name, err)
	}

	return requireAffected(res, store.ErrNotFound)
}

func (s *SQLite) ModulesByPriority(ctx context.Context) ([]model.Module, error) {
	query, _, err := s.goqu.From(s.tableModules).
		Select("id", "name", "priority", "enabled", "datatype", "condition", "path").
		Where(goqu.I("enabled").Eq(true)).
		Order(goqu.I("priority").Asc(), goqu.I("id").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query modules: %w", err)
	}
	defer rows.Close()

	var out []model.Module
	for rows.Next() {
		var row moduleRow
		if err := rows.Scan(&row.ID, &row.Name, &row.Priority, &row.Enabled, &row.Datatype, &row.Condition, &row.Path); err != nil {
			return nil, fmt.Errorf("scan module row: %w", err)
		}
		out = append(out, row.toModel())
	}

	return out, rows.Err()
}

// ─── Scheduled tasks ───

type taskRow struct {
	ID        int64  `db:"id"`
	Module    int64  `db:"module"`
	Parameter string `db:"parameter"`
	At        string `db:"at"`
	Seconds   int64  `db:"seconds"`
	Minutes   int64  `db:"minutes"`
	Hours     int64  `db:"hours"`
	Days      string `db:"days"`
	Repeat    bool   `db:"repeat"`
}

func (r taskRow) toModel() model.ScheduledTask {
	return model.ScheduledTask{
		ID: r.ID, Module: r.Module, Parameter: r.Parameter, At: r.At,
		Seconds: r.Seconds, Minutes: r.Minutes, Hours: r.Hours, Days: r.Days, Repeat: r.Repeat,
	}
}

func taskRecord(t model.ScheduledTask) goqu.Record {
	return goqu.Record{
		"module": t.Module, "parameter": t.Parameter, "at": t.At,
		"seconds": t.Seconds, "minutes": t.Minutes, "hours": t.Hours,
		"days": t.Days, "repeat": t.Repeat,
	}
}

func (s *SQLite) AddTask(ctx context.Context, t model.ScheduledTask) (model.ScheduledTask, error) {
	query, _, err := s.goqu.Insert(s.tableTasks).Rows(taskRecord(t)).ToSQL()
	if err != nil {
		return model.ScheduledTask{}, fmt.Errorf("build insert query: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return model.ScheduledTask{}, fmt.Errorf("insert task: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return model.ScheduledTask{}, fmt.Errorf("last insert id: %w", err)
	}
	t.ID = id

	return t, nil
}

func (s *SQLite) UpdateTask(ctx context.Context, t model.ScheduledTask) error {
	query, _, err := s.goqu.Update(s.tableTasks).Set(taskRecord(t)).Where(goqu.I("id").Eq(t.ID)).ToSQL()
	if err != nil {
		return fmt.Errorf("build update query: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("update task %d: %w", t.ID, err)
	}

	return requireAffected(res, store.ErrNotFound)
}

func (s *SQLite) RemoveTask(ctx context.Context, id int64) error {
	query, _, err := s.goqu.Delete(s.tableTasks).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build delete query: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("delete task %d: %w", id, err)
	}

	return requireAffected(res, store.ErrNotFound)
}

func (s *SQLite) TaskByID(ctx context.Context, id int64) (model.ScheduledTask, error) {
	query, _, err := s.goqu.From(s.tableTasks).
		Select("id", "module", "parameter", "at", "seconds", "minutes", "hours", "days", "repeat").
		Where(goqu.I("id").Eq(id)).
		ToSQL()
	if err != nil {
		return model.ScheduledTask{}, fmt.Errorf("build query: %w", err)
	}

	var row taskRow
	err = s.db.QueryRowContext(ctx, query).Scan(
		&row.ID, &row.Module, &row.Parameter, &row.At, &row.Seconds, &row.Minutes, &row.Hours, &row.Days, &row.Repeat,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ScheduledTask{}, store.ErrNotFound
	}
	if err != nil {
		return model.ScheduledTask{}, fmt.Errorf("get task %d: %w", id, err)
	}

	return row.toModel(), nil
}

func (s *SQLite) AllTasks(ctx context.Context) ([]model.ScheduledTask, error) {
	query, _, err := s.goqu.From(s.tableTasks).
		Select("id", "module", "parameter", "at", "seconds", "minutes", "hours", "days", "repeat").
		Order(goqu.I("id").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	return s.queryTasks(ctx, query)
}

func (s *SQLite) TasksByModule(ctx context.Context, moduleName string) ([]model.ScheduledTask, error) {
	mod, err := s.ModuleByName(ctx, moduleName)
	if err != nil {
		return nil, err
	}

	query, _, err := s.goqu.From(s.tableTasks).
		Select("id", "module", "parameter", "at", "seconds", "minutes", "hours", "days", "repeat").
		Where(goqu.I("module").Eq(mod.ID)).
		Order(goqu.I("id").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	return s.queryTasks(ctx, query)
}

// SearchTasks linear-scans TasksByModule's result for tasks whose decoded
// parameter map is a superset of paramSubset; the subset match itself isn't
// worth expressing in SQL across two dialects for a map stored as opaque
// JSON text.
func (s *SQLite) SearchTasks(ctx context.Context, moduleName string, paramSubset map[string]string) ([]model.ScheduledTask, error) {
	tasks, err := s.TasksByModule(ctx, moduleName)
	if err != nil {
		return nil, err
	}

	var out []model.ScheduledTask
	for _, t := range tasks {
		if store.MatchesParameterSubset(t.Parameter, paramSubset) {
			out = append(out, t)
		}
	}

	return out, nil
}

func (s *SQLite) queryTasks(ctx context.Context, query string) ([]model.ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []model.ScheduledTask
	for rows.Next() {
		var row taskRow
		if err := rows.Scan(&row.ID, &row.Module, &row.Parameter, &row.At, &row.Seconds, &row.Minutes, &row.Hours, &row.Days, &row.Repeat); err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		out = append(out, row.toModel())
	}

	return out, rows.Err()
}

// ─── Helpers ───

func requireAffected(res sql.Result, ifZero error) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ifZero
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

var _ store.Storer = (*SQLite)(nil)
