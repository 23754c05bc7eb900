package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/i2y/mcpvhost/internal/domain"
	"github.com/i2y/mcpvhost/internal/usecase"
)

var _ usecase.ConfigStore = (*Store)(nil)

const toolColumns = `t.id, t.owner_id, t.name, t.description, t.method, t.url, t.headers, t.body, t.timeout_ms, t.parameters`

const serverColumns = `id, owner_id, organization_id, name, description, access_level, defaults, created_at, updated_at`

const instanceColumns = `i.id, i.server_id, i.tool_id, i.display_name, i.description, i.bindings`

type scanner interface {
	Scan(dest ...any) error
}

// --- Tools ---

// SaveTool inserts a tool when its ID is zero and updates it otherwise.
func (s *Store) SaveTool(ctx context.Context, tool *domain.Tool) error {
	headers, err := encodeJSON(tool.Headers, "{}")
	if err != nil {
		return fmt.Errorf("encoding headers: %w", err)
	}
	params, err := encodeJSON(tool.Parameters, "[]")
	if err != nil {
		return fmt.Errorf("encoding parameters: %w", err)
	}

	if tool.ID == 0 {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO tools (owner_id, name, description, method, url, headers, body, timeout_ms, parameters)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			tool.OwnerID, tool.Name, tool.Description, tool.Method, tool.URL, headers, tool.Body, tool.TimeoutMS, params,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: tool %q", usecase.ErrAlreadyExists, tool.Name)
			}
			return fmt.Errorf("inserting tool: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("getting tool id: %w", err)
		}
		tool.ID = id
		s.logger.Debug("Inserted tool", slog.Int64("tool_id", id))
		return nil
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE tools SET owner_id = ?, name = ?, description = ?, method = ?, url = ?,
			headers = ?, body = ?, timeout_ms = ?, parameters = ?
		WHERE id = ?`,
		tool.OwnerID, tool.Name, tool.Description, tool.Method, tool.URL, headers, tool.Body, tool.TimeoutMS, params, tool.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: tool %q", usecase.ErrAlreadyExists, tool.Name)
		}
		return fmt.Errorf("updating tool: %w", err)
	}
	return expectOne(res, "tool", strconv.FormatInt(tool.ID, 10))
}

// GetTool retrieves a tool by ID.
func (s *Store) GetTool(ctx context.Context, id int64) (*domain.Tool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+toolColumns+` FROM tools t WHERE t.id = ?`, id)
	tool, err := scanTool(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewNotFoundError("tool", strconv.FormatInt(id, 10))
	}
	if err != nil {
		return nil, fmt.Errorf("querying tool: %w", err)
	}
	return tool, nil
}

// ListTools returns the tools owned by ownerID, or every tool when ownerID is empty.
func (s *Store) ListTools(ctx context.Context, ownerID string) ([]domain.Tool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+toolColumns+` FROM tools t WHERE ? = '' OR t.owner_id = ? ORDER BY t.id`,
		ownerID, ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying tools: %w", err)
	}
	defer rows.Close()

	var tools []domain.Tool
	for rows.Next() {
		tool, err := scanTool(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning tool: %w", err)
		}
		tools = append(tools, *tool)
	}
	return tools, rows.Err()
}

// DeleteTool removes a tool. A tool still mounted by an instance is refused.
func (s *Store) DeleteTool(ctx context.Context, id int64) error {
	mounted := &domain.ValidationError{Field: "tool_id", Reason: "tool is mounted by an instance"}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	switch err := exists(ctx, tx, `SELECT 1 FROM tool_instances WHERE tool_id = ? LIMIT 1`, id); {
	case err == nil:
		return mounted
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("checking tool instances: %w", err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM tools WHERE id = ?`, id)
	if err != nil {
		if isForeignKeyViolation(err) {
			return mounted
		}
		return fmt.Errorf("deleting tool: %w", err)
	}
	if err := expectOne(res, "tool", strconv.FormatInt(id, 10)); err != nil {
		return err
	}
	return tx.Commit()
}

// --- Virtual servers ---

// SaveServer creates or replaces a virtual server.
func (s *Store) SaveServer(ctx context.Context, server *domain.VirtualServer) error {
	defaults, err := encodeJSON(server.Defaults, "{}")
	if err != nil {
		return fmt.Errorf("encoding defaults: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO virtual_servers (`+serverColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			owner_id = excluded.owner_id,
			organization_id = excluded.organization_id,
			name = excluded.name,
			description = excluded.description,
			access_level = excluded.access_level,
			defaults = excluded.defaults,
			updated_at = excluded.updated_at`,
		server.ID, server.OwnerID, server.OrganizationID, server.Name, server.Description,
		string(server.Access), defaults, formatTime(server.CreatedAt), formatTime(server.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("saving server: %w", err)
	}
	s.logger.Debug("Saved server", slog.String("server_id", server.ID))
	return nil
}

// GetServer retrieves a virtual server by ID.
func (s *Store) GetServer(ctx context.Context, id string) (*domain.VirtualServer, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+serverColumns+` FROM virtual_servers WHERE id = ?`, id)
	server, err := scanServer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewNotFoundError("server", id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying server: %w", err)
	}
	return server, nil
}

// ListServers returns every virtual server ordered by ID.
func (s *Store) ListServers(ctx context.Context) ([]domain.VirtualServer, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+serverColumns+` FROM virtual_servers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying servers: %w", err)
	}
	defer rows.Close()

	var servers []domain.VirtualServer
	for rows.Next() {
		server, err := scanServer(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning server: %w", err)
		}
		servers = append(servers, *server)
	}
	return servers, rows.Err()
}

// DeleteServer removes a server; its instances are removed with it.
func (s *Store) DeleteServer(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM virtual_servers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting server: %w", err)
	}
	return expectOne(res, "server", id)
}

// --- Tool instances ---

// SaveInstance inserts an instance when its ID is zero and updates it otherwise.
func (s *Store) SaveInstance(ctx context.Context, inst *domain.ToolInstance) error {
	bindings, err := encodeJSON(inst.Bindings, "{}")
	if err != nil {
		return fmt.Errorf("encoding bindings: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	if err := exists(ctx, tx, `SELECT 1 FROM virtual_servers WHERE id = ?`, inst.ServerID); err != nil {
		return notFoundOr(err, "server", inst.ServerID)
	}
	if err := exists(ctx, tx, `SELECT 1 FROM tools WHERE id = ?`, inst.ToolID); err != nil {
		return notFoundOr(err, "tool", strconv.FormatInt(inst.ToolID, 10))
	}

	if inst.ID == 0 {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO tool_instances (server_id, tool_id, display_name, description, bindings)
			VALUES (?, ?, ?, ?, ?)`,
			inst.ServerID, inst.ToolID, inst.DisplayName, inst.Description, bindings,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: tool name %q", usecase.ErrAlreadyExists, inst.DisplayName)
			}
			return fmt.Errorf("inserting instance: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("getting instance id: %w", err)
		}
		inst.ID = id
	} else {
		res, err := tx.ExecContext(ctx, `
			UPDATE tool_instances SET server_id = ?, tool_id = ?, display_name = ?, description = ?, bindings = ?
			WHERE id = ?`,
			inst.ServerID, inst.ToolID, inst.DisplayName, inst.Description, bindings, inst.ID,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: tool name %q", usecase.ErrAlreadyExists, inst.DisplayName)
			}
			return fmt.Errorf("updating instance: %w", err)
		}
		if err := expectOne(res, "instance", strconv.FormatInt(inst.ID, 10)); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing instance: %w", err)
	}
	s.logger.Debug("Saved instance", slog.Int64("instance_id", inst.ID), slog.String("server_id", inst.ServerID))
	return nil
}

// GetInstance retrieves an instance by ID with its tool populated.
func (s *Store) GetInstance(ctx context.Context, id int64) (*domain.ToolInstance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+instanceColumns+`, `+toolColumns+`
		FROM tool_instances i JOIN tools t ON t.id = i.tool_id
		WHERE i.id = ?`, id)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewNotFoundError("instance", strconv.FormatInt(id, 10))
	}
	if err != nil {
		return nil, fmt.Errorf("querying instance: %w", err)
	}
	return inst, nil
}

// ListInstances returns the instances mounted on serverID ordered by ID, with tools populated.
func (s *Store) ListInstances(ctx context.Context, serverID string) ([]domain.ToolInstance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+instanceColumns+`, `+toolColumns+`
		FROM tool_instances i JOIN tools t ON t.id = i.tool_id
		WHERE i.server_id = ?
		ORDER BY i.id`, serverID)
	if err != nil {
		return nil, fmt.Errorf("querying instances: %w", err)
	}
	defer rows.Close()

	var instances []domain.ToolInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning instance: %w", err)
		}
		instances = append(instances, *inst)
	}
	return instances, rows.Err()
}

// DeleteInstance removes an instance.
func (s *Store) DeleteInstance(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tool_instances WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting instance: %w", err)
	}
	return expectOne(res, "instance", strconv.FormatInt(id, 10))
}

// --- Helpers ---

func scanTool(row scanner) (*domain.Tool, error) {
	var (
		tool    domain.Tool
		headers string
		params  string
	)
	if err := row.Scan(&tool.ID, &tool.OwnerID, &tool.Name, &tool.Description, &tool.Method, &tool.URL,
		&headers, &tool.Body, &tool.TimeoutMS, &params); err != nil {
		return nil, err
	}
	if err := decodeTool(&tool, headers, params); err != nil {
		return nil, err
	}
	return &tool, nil
}

func decodeTool(tool *domain.Tool, headers, params string) error {
	if err := json.Unmarshal([]byte(headers), &tool.Headers); err != nil {
		return fmt.Errorf("decoding headers: %w", err)
	}
	if len(tool.Headers) == 0 {
		tool.Headers = nil
	}
	if err := json.Unmarshal([]byte(params), &tool.Parameters); err != nil {
		return fmt.Errorf("decoding parameters: %w", err)
	}
	return nil
}

func scanServer(row scanner) (*domain.VirtualServer, error) {
	var (
		server    domain.VirtualServer
		access    string
		defaults  string
		createdAt string
		updatedAt string
	)
	if err := row.Scan(&server.ID, &server.OwnerID, &server.OrganizationID, &server.Name, &server.Description,
		&access, &defaults, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	server.Access = domain.AccessLevel(access)
	if err := json.Unmarshal([]byte(defaults), &server.Defaults); err != nil {
		return nil, fmt.Errorf("decoding defaults: %w", err)
	}
	var err error
	if server.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if server.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &server, nil
}

func scanInstance(row scanner) (*domain.ToolInstance, error) {
	var (
		inst     domain.ToolInstance
		tool     domain.Tool
		bindings string
		headers  string
		params   string
	)
	if err := row.Scan(&inst.ID, &inst.ServerID, &inst.ToolID, &inst.DisplayName, &inst.Description, &bindings,
		&tool.ID, &tool.OwnerID, &tool.Name, &tool.Description, &tool.Method, &tool.URL,
		&headers, &tool.Body, &tool.TimeoutMS, &params); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(bindings), &inst.Bindings); err != nil {
		return nil, fmt.Errorf("decoding bindings: %w", err)
	}
	if err := decodeTool(&tool, headers, params); err != nil {
		return nil, err
	}
	inst.Tool = &tool
	return &inst, nil
}

func exists(ctx context.Context, tx *sql.Tx, query string, arg any) error {
	var one int
	return tx.QueryRowContext(ctx, query, arg).Scan(&one)
}

func notFoundOr(err error, resource, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return domain.NewNotFoundError(resource, id)
	}
	return fmt.Errorf("looking up %s: %w", resource, err)
}

func expectOne(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking affected rows: %w", err)
	}
	if n == 0 {
		return domain.NewNotFoundError(resource, id)
	}
	return nil
}

func encodeJSON(v any, empty string) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(b) == "null" {
		return empty, nil
	}
	return string(b), nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t, nil
}
