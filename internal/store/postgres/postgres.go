// Package postgres is the Postgres-backed store.Storer, used for clustered
// RORI deployments where multiple instances share one database.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rakunlabs/at/internal/config"
	"github.com/rakunlabs/at/internal/model"
	"github.com/rakunlabs/at/internal/store"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"
)

var (
	ConnMaxLifetime = 15 * time.Minute
	MaxIdleConns    = 3
	MaxOpenConns    = 3

	DefaultTablePrefix = "rori_"
)

// Postgres is the Postgres-backed implementation of store.Storer.
type Postgres struct {
	db   *sql.DB
	goqu *goqu.Database

	tableDevices exp.IdentifierExpression
	tableModules exp.IdentifierExpression
	tableTasks   exp.IdentifierExpression
}

// New opens (and migrates) a Postgres-backed store.
func New(ctx context.Context, cfg *config.StorePostgres) (*Postgres, error) {
	if cfg == nil {
		return nil, errors.New("postgres configuration is nil")
	}
	if cfg.Datasource == "" {
		return nil, errors.New("postgres datasource is required")
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
	if migrate.Schema == "" {
		migrate.Schema = cfg.Schema
	}
	migrate.Table = tablePrefix + migrate.Table
	if migrate.Values == nil {
		migrate.Values = make(map[string]string)
	}
	migrate.Values["TABLE_PREFIX"] = tablePrefix

	if err := MigrateDB(ctx, &migrate); err != nil {
		return nil, fmt.Errorf("migrate store postgres: %w", err)
	}

	db, err := sql.Open("pgx", cfg.Datasource)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if cfg.Schema != "" {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("SET search_path TO %s", cfg.Schema)); err != nil {
			db.Close()
			return nil, fmt.Errorf("set search_path: %w", err)
		}
	}

	if cfg.ConnMaxLifetime != nil {
		ConnMaxLifetime = *cfg.ConnMaxLifetime
	}
	if cfg.MaxIdleConns != nil {
		MaxIdleConns = *cfg.MaxIdleConns
	}
	if cfg.MaxOpenConns != nil {
		MaxOpenConns = *cfg.MaxOpenConns
	}

	db.SetConnMaxLifetime(ConnMaxLifetime)
	db.SetMaxIdleConns(MaxIdleConns)
	db.SetMaxOpenConns(MaxOpenConns)

	slog.Info("connected to store postgres")

	dbGoqu := goqu.New("postgres", db)

	return &Postgres{
		db:           db,
		goqu:         dbGoqu,
		tableDevices: goqu.T(tablePrefix + "devices"),
		tableModules: goqu.T(tablePrefix + "modules"),
		tableTasks:   goqu.T(tablePrefix + "tasks"),
	}, nil
}

func (p *Postgres) Close() error {
	if p.db == nil {
		return nil
	}
	return p.db.Close()
}

// ─── Devices ───

type deviceRow struct {
	ID         int64          `db:"id" goqu:"skipupdate,skipinsert"`
	Hash       string         `db:"hash"`
	Username   sql.NullString `db:"username"`
	DeviceName string         `db:"device_name"`
	SubAuthor  sql.NullString `db:"sub_author"`
	IsBridge   bool           `db:"is_bridge"`
	Datatypes  json.RawMessage `db:"datatypes"`
}

func (r deviceRow) toModel() (model.Device, error) {
	var datatypes []string
	if len(r.Datatypes) > 0 {
		if err := json.Unmarshal(r.Datatypes, &datatypes); err != nil {
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
		"datatypes":   datatypes,
	}, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (p *Postgres) AddDevice(ctx context.Context, d model.Device) (model.Device, error) {
	rec, err := deviceRecord(d)
	if err != nil {
		return model.Device{}, err
	}

	query, _, err := p.goqu.Insert(p.tableDevices).Rows(rec).Returning("id").ToSQL()
	if err != nil {
		return model.Device{}, fmt.Errorf("build insert query: %w", err)
	}

	var id int64
	if err := p.db.QueryRowContext(ctx, query).Scan(&id); err != nil {
		if isUniqueViolation(err) {
			return model.Device{}, store.ErrAlreadyExists
		}
		return model.Device{}, fmt.Errorf("insert device: %w", err)
	}
	d.ID = id

	return d, nil
}

func (p *Postgres) DeviceByHash(ctx context.Context, hash string) (model.Device, error) {
	query, _, err := p.goqu.From(p.tableDevices).
		Select("id", "hash", "username", "device_name", "sub_author", "is_bridge", "datatypes").
		Where(goqu.I("hash").Eq(hash)).
		ToSQL()
	if err != nil {
		return model.Device{}, fmt.Errorf("build query: %w", err)
	}

	var row deviceRow
	err = p.db.QueryRowContext(ctx, query).Scan(
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

func (p *Postgres) UpdateDevice(ctx context.Context, d model.Device) error {
	rec, err := deviceRecord(d)
	if err != nil {
		return err
	}

	query, _, err := p.goqu.Update(p.tableDevices).Set(rec).Where(goqu.I("hash").Eq(d.Hash)).ToSQL()
	if err != nil {
		return fmt.Errorf("build update query: %w", err)
	}

	res, err := p.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("update device %q: %w", d.Hash, err)
	}

	return requireAffected(res, store.ErrNotFound)
}

func (p *Postgres) RemoveDevice(ctx context.Context, hash string) error {
	query, _, err := p.goqu.Delete(p.tableDevices).Where(goqu.I("hash").Eq(hash)).ToSQL()
	if err != nil {
		return fmt.Errorf("build delete query: %w", err)
	}

	res, err := p.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("delete device %q: %w", hash, err)
	}

	return requireAffected(res, store.ErrNotFound)
}

func (p *Postgres) DevicesByUsername(ctx context.Context, username string) ([]model.Device, error) {
	q := p.goqu.From(p.tableDevices).
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

	return p.queryDevices(ctx, query)
}

func (p *Postgres) AllUsers(ctx context.Context) ([]model.User, error) {
	query, _, err := p.goqu.From(p.tableDevices).
		Select("id", "hash", "username", "device_name", "sub_author", "is_bridge", "datatypes").
		Where(goqu.I("username").IsNotNull(), goqu.I("username").Neq("")).
		Order(goqu.I("username").Asc(), goqu.I("id").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	devs, err := p.queryDevices(ctx, query)
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

func (p *Postgres) AllDevices(ctx context.Context) ([]model.Device, error) {
	query, _, err := p.goqu.From(p.tableDevices).
		Select("id", "hash", "username", "device_name", "sub_author", "is_bridge", "datatypes").
		Order(goqu.I("id").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	return p.queryDevices(ctx, query)
}

func (p *Postgres) queryDevices(ctx context.Context, query string) ([]model.Device, error) {
	rows, err := p.db.QueryContext(ctx, query)
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
	ID        int64  `db:"id" goqu:"skipupdate,skipinsert"`
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

func (p *Postgres) AddModule(ctx context.Context, m model.Module) (model.Module, error) {
	query, _, err := p.goqu.Insert(p.tableModules).Rows(moduleRecord(m)).Returning("id").ToSQL()
	if err != nil {
		return model.Module{}, fmt.Errorf("build insert query: %w", err)
	}

	var id int64
	if err := p.db.QueryRowContext(ctx, query).Scan(&id); err != nil {
		if isUniqueViolation(err) {
			return model.Module{}, store.ErrAlreadyExists
		}
		return model.Module{}, fmt.Errorf("insert module: %w", err)
	}
	m.ID = id

	return m, nil
}

func (p *Postgres) moduleBy(ctx context.Context, col string, value any) (model.Module, error) {
	query, _, err := p.goqu.From(p.tableModules).
		Select("id", "name", "priority", "enabled", "datatype", "condition", "path").
		Where(goqu.I(col).Eq(value)).
		ToSQL()
	if err != nil {
		return model.Module{}, fmt.Errorf("build query: %w", err)
	}

	var row moduleRow
	err = p.db.QueryRowContext(ctx, query).Scan(&row.ID, &row.Name, &row.Priority, &row.Enabled, &row.Datatype, &row.Condition, &row.Path)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Module{}, store.ErrNotFound
	}
	if err != nil {
		return model.Module{}, fmt.Errorf("get module: %w", err)
	}

	return row.toModel(), nil
}

func (p *Postgres) ModuleByName(ctx context.Context, name string) (model.Module, error) {
	return p.moduleBy(ctx, "name", name)
}

func (p *Postgres) ModuleByID(ctx context.Context, id int64) (model.Module, error) {
	return p.moduleBy(ctx, "id", id)
}

func (p *Postgres) UpdateModule(ctx context.Context, m model.Module) error {
	query, _, err := p.goqu.Update(p.tableModules).Set(moduleRecord(m)).Where(goqu.I("name").Eq(m.Name)).ToSQL()
	if err != nil {
		return fmt.Errorf("build update query: %w", err)
	}

	res, err := p.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("update module %q: %w", m.Name, err)
	}

	return requireAffected(res, store.ErrNotFound)
}

func (p *Postgres) RemoveModule(ctx context.Context, name string) error {
	query, _, err := p.goqu.Delete(p.tableModules).Where(goqu.I("name").Eq(name)).ToSQL()
	if err != nil {
		return fmt.Errorf("build delete query: %w", err)
	}

	res, err := p.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("delete module %q: %w", name, err)
	}

	return requireAffected(res, store.ErrNotFound)
}

func (p *Postgres) ModulesByPriority(ctx context.Context) ([]model.Module, error) {
	query, _, err := p.goqu.From(p.tableModules).
		Select("id", "name", "priority", "enabled", "datatype", "condition", "path").
		Where(goqu.I("enabled").Eq(true)).
		Order(goqu.I("priority").Asc(), goqu.I("id").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query)
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
	ID        int64  `db:"id" goqu:"skipupdate,skipinsert"`
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

func (p *Postgres) AddTask(ctx context.Context, t model.ScheduledTask) (model.ScheduledTask, error) {
	query, _, err := p.goqu.Insert(p.tableTasks).Rows(taskRecord(t)).Returning("id").ToSQL()
	if err != nil {
		return model.ScheduledTask{}, fmt.Errorf("build insert query: %w", err)
	}

	var id int64
	if err := p.db.QueryRowContext(ctx, query).Scan(&id); err != nil {
		return model.ScheduledTask{}, fmt.Errorf("insert task: %w", err)
	}
	t.ID = id

	return t, nil
}

func (p *Postgres) UpdateTask(ctx context.Context, t model.ScheduledTask) error {
	query, _, err := p.goqu.Update(p.tableTasks).Set(taskRecord(t)).Where(goqu.I("id").Eq(t.ID)).ToSQL()
	if err != nil {
		return fmt.Errorf("build update query: %w", err)
	}

	res, err := p.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("update task %d: %w", t.ID, err)
	}

	return requireAffected(res, store.ErrNotFound)
}

func (p *Postgres) RemoveTask(ctx context.Context, id int64) error {
	query, _, err := p.goqu.Delete(p.tableTasks).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build delete query: %w", err)
	}

	res, err := p.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("delete task %d: %w", id, err)
	}

	return requireAffected(res, store.ErrNotFound)
}

func (p *Postgres) TaskByID(ctx context.Context, id int64) (model.ScheduledTask, error) {
	query, _, err := p.goqu.From(p.tableTasks).
		Select("id", "module", "parameter", "at", "seconds", "minutes", "hours", "days", "repeat").
		Where(goqu.I("id").Eq(id)).
		ToSQL()
	if err != nil {
		return model.ScheduledTask{}, fmt.Errorf("build query: %w", err)
	}

	var row taskRow
	err = p.db.QueryRowContext(ctx, query).Scan(
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

func (p *Postgres) AllTasks(ctx context.Context) ([]model.ScheduledTask, error) {
	query, _, err := p.goqu.From(p.tableTasks).
		Select("id", "module", "parameter", "at", "seconds", "minutes", "hours", "days", "repeat").
		Order(goqu.I("id").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	return p.queryTasks(ctx, query)
}

func (p *Postgres) TasksByModule(ctx context.Context, moduleName string) ([]model.ScheduledTask, error) {
	mod, err := p.ModuleByName(ctx, moduleName)
	if err != nil {
		return nil, err
	}

	query, _, err := p.goqu.From(p.tableTasks).
		Select("id", "module", "parameter", "at", "seconds", "minutes", "hours", "days", "repeat").
		Where(goqu.I("module").Eq(mod.ID)).
		Order(goqu.I("id").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	return p.queryTasks(ctx, query)
}

// SearchTasks linear-scans TasksByModule's result for tasks whose decoded
// parameter map is a superset of paramSubset; the subset match itself isn't
// worth expressing in SQL across two dialects for a map stored as opaque
// JSON text.
func (p *Postgres) SearchTasks(ctx context.Context, moduleName string, paramSubset map[string]string) ([]model.ScheduledTask, error) {
	tasks, err := p.TasksByModule(ctx, moduleName)
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

func (p *Postgres) queryTasks(ctx context.Context, query string) ([]model.ScheduledTask, error) {
	rows, err := p.db.QueryContext(ctx, query)
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
	return strings.Contains(err.Error(), "duplicate key value violates unique constraint")
}

var _ store.Storer = (*Postgres)(nil)
