package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/fleetcontrol/control-plane/internal/domain"
	"github.com/fleetcontrol/control-plane/internal/eventsv1"
	"github.com/fleetcontrol/control-plane/internal/ferrors"
)

// GetAgentByKey returns the agent for key, regardless of registration
// status; callers that require Registered filter on the result.
func (s *Store) GetAgentByKey(ctx context.Context, key uuid.UUID) (domain.Agent, error) {
	row := s.queryRow(ctx, nil, `
		SELECT id, key, name, owner_id, owner_set, registration_status, ip_address,
		       created_at, last_seen, is_online, grace_period_seconds, comment
		FROM agents WHERE key = ?`, key.String())
	return scanAgent(row)
}

// GetAgentByID returns the agent by internal id.
func (s *Store) GetAgentByID(ctx context.Context, id domain.AgentID) (domain.Agent, error) {
	row := s.queryRow(ctx, nil, `
		SELECT id, key, name, owner_id, owner_set, registration_status, ip_address,
		       created_at, last_seen, is_online, grace_period_seconds, comment
		FROM agents WHERE id = ?`, int64(id))
	return scanAgent(row)
}

func scanAgent(row *sql.Row) (domain.Agent, error) {
	var a domain.Agent
	var keyStr string
	var ownerID sql.NullInt64
	var regStatus string
	var lastSeen sql.NullTime
	var graceSeconds int64
	err := row.Scan(&a.ID, &keyStr, &a.Name, &ownerID, &a.OwnerSet, &regStatus, &a.IPAddress,
		&a.CreatedAt, &lastSeen, &a.IsOnline, &graceSeconds, &a.Comment)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Agent{}, ferrors.ErrNotFound
	}
	if err != nil {
		return domain.Agent{}, err
	}
	a.Key, err = uuid.Parse(keyStr)
	if err != nil {
		return domain.Agent{}, err
	}
	a.Owner = domain.UserID(ownerID.Int64)
	a.RegistrationStatus = domain.AgentRegistrationStatus(regStatus)
	a.GracePeriod = time.Duration(graceSeconds) * time.Second
	if lastSeen.Valid {
		t := lastSeen.Time
		a.LastSeen = &t
	}
	return a, nil
}

// CreateRegistration allocates a Pending registration with a unique
// 6-digit code, retrying on collision with the partial unique index on
// (code) WHERE status = 'pending'.
func (s *Store) CreateRegistration(ctx context.Context) (domain.Registration, error) {
	const maxAttempts = 10
	now := s.clock.Now()
	expires := now.Add(domain.RegistrationTTL)
	regID := s.uuids.New()

	for attempt := 0; attempt < maxAttempts; attempt++ {
		code, err := s.digits.Digits(6)
		if err != nil {
			return domain.Registration{}, err
		}
		_, err = s.exec(ctx, nil, `
			INSERT INTO registrations (reg_id, code, status, created_at, expires_at, failed_attempts)
			VALUES (?, ?, 'pending', ?, ?, 0)`, regID.String(), code, now, expires)
		if err == nil {
			return domain.Registration{
				RegID:     regID,
				Code:      code,
				Status:    domain.RegistrationPending,
				CreatedAt: now,
				ExpiresAt: expires,
			}, nil
		}
		if !isUniqueViolation(err) {
			return domain.Registration{}, err
		}
	}
	return domain.Registration{}, ferrors.ErrConflict
}

// isUniqueViolation is a best-effort string match: the sqlite and pgx
// drivers surface constraint violations with distinct error types, but a
// substring check keeps this package decoupled from either driver's
// internal error package.
func isUniqueViolation(err error) bool {
	msg := err.Error()
	return containsSubstr(msg, "UNIQUE constraint") || containsSubstr(msg, "duplicate key")
}

func containsSubstr(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

// GetRegistration looks up a registration by id.
func (s *Store) GetRegistration(ctx context.Context, regID uuid.UUID) (domain.Registration, error) {
	row := s.queryRow(ctx, nil, `
		SELECT reg_id, code, status, created_at, expires_at, failed_attempts, credentials_key
		FROM registrations WHERE reg_id = ?`, regID.String())
	return scanRegistration(row)
}

func scanRegistration(row *sql.Row) (domain.Registration, error) {
	var r domain.Registration
	var regIDStr, status string
	var credsKey sql.NullString
	err := row.Scan(&regIDStr, &r.Code, &status, &r.CreatedAt, &r.ExpiresAt, &r.FailedAttempts, &credsKey)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Registration{}, ferrors.ErrNotFound
	}
	if err != nil {
		return domain.Registration{}, err
	}
	r.RegID, err = uuid.Parse(regIDStr)
	if err != nil {
		return domain.Registration{}, err
	}
	r.Status = domain.RegistrationStatus(status)
	if credsKey.Valid {
		key, err := uuid.Parse(credsKey.String)
		if err != nil {
			return domain.Registration{}, err
		}
		r.AgentCredentials = &domain.AgentCredentials{Key: key}
	}
	return r, nil
}

// DeleteRegistration removes a registration row.
func (s *Store) DeleteRegistration(ctx context.Context, regID uuid.UUID) error {
	_, err := s.exec(ctx, nil, `DELETE FROM registrations WHERE reg_id = ?`, regID.String())
	return err
}

// ClaimRegistration validates code against regID's pending registration,
// escalating FailedAttempts on mismatch and creating a Pending agent on
// success, all within one transaction.
func (s *Store) ClaimRegistration(ctx context.Context, regID uuid.UUID, code string, user domain.UserID) (domain.Agent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Agent{}, err
	}
	defer tx.Rollback()

	row := s.queryRow(ctx, tx, `
		SELECT reg_id, code, status, created_at, expires_at, failed_attempts, credentials_key
		FROM registrations WHERE reg_id = ?`, regID.String())
	reg, err := scanRegistration(row)
	if err != nil {
		return domain.Agent{}, err
	}

	now := s.clock.Now()
	if reg.Status != domain.RegistrationPending || now.After(reg.ExpiresAt) {
		return domain.Agent{}, ferrors.ErrInvalidCode
	}

	if reg.Code != code {
		attempts := reg.FailedAttempts + 1
		newStatus := domain.RegistrationPending
		retErr := error(ferrors.ErrInvalidCode)
		if attempts >= domain.MaxFailedAttempts {
			newStatus = domain.RegistrationExpired
			retErr = ferrors.ErrTooManyAttempts
		}
		if _, err := s.exec(ctx, tx, `
			UPDATE registrations SET failed_attempts = ?, status = ? WHERE reg_id = ?`,
			attempts, string(newStatus), regID.String()); err != nil {
			return domain.Agent{}, err
		}
		if err := tx.Commit(); err != nil {
			return domain.Agent{}, err
		}
		return domain.Agent{}, retErr
	}

	agentKey := s.uuids.New()
	name := "Agent-" + agentKey.String()[:8]
	// INSERT ... RETURNING id rather than LastInsertId: the pgx stdlib
	// adapter doesn't support the latter, and modernc.org/sqlite supports
	// RETURNING too, so one query works for both dialects.
	row := s.queryRow(ctx, tx, `
		INSERT INTO agents (key, name, owner_id, owner_set, registration_status, created_at, grace_period_seconds)
		VALUES (?, ?, ?, 1, 'pending', ?, 30)
		RETURNING id`, agentKey.String(), name, int64(user), now)
	var newID int64
	if err := row.Scan(&newID); err != nil {
		return domain.Agent{}, err
	}

	if _, err := s.exec(ctx, tx, `
		UPDATE registrations SET status = 'completed', credentials_key = ? WHERE reg_id = ?`,
		agentKey.String(), regID.String()); err != nil {
		return domain.Agent{}, err
	}

	if err := tx.Commit(); err != nil {
		return domain.Agent{}, err
	}

	return domain.Agent{
		ID:                 domain.AgentID(newID),
		Key:                agentKey,
		Name:               name,
		Owner:              user,
		OwnerSet:           true,
		RegistrationStatus: domain.AgentPending,
		CreatedAt:          now,
		GracePeriod:        30 * time.Second,
	}, nil
}

// FinalizeRegistration transitions a Pending agent to Registered.
func (s *Store) FinalizeRegistration(ctx context.Context, agentID domain.AgentID) error {
	res, err := s.exec(ctx, nil, `
		UPDATE agents SET registration_status = 'registered'
		WHERE id = ? AND registration_status = 'pending'`, int64(agentID))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ferrors.ErrNotPending
	}
	return nil
}

// Unregister deletes all of the agent's services and sets
// RegistrationStatus to Unregistered, atomically. Idempotent.
func (s *Store) Unregister(ctx context.Context, agentID domain.AgentID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := s.exec(ctx, tx, `DELETE FROM services WHERE agent_id = ?`, int64(agentID)); err != nil {
		return err
	}
	if _, err := s.exec(ctx, tx, `
		UPDATE agents SET registration_status = 'unregistered' WHERE id = ?`, int64(agentID)); err != nil {
		return err
	}
	return tx.Commit()
}

// UpdateAgentIP is a no-op if ip equals the agent's current IPAddress.
func (s *Store) UpdateAgentIP(ctx context.Context, agentID domain.AgentID, ip string) error {
	_, err := s.exec(ctx, nil, `
		UPDATE agents SET ip_address = ? WHERE id = ? AND ip_address != ?`, ip, int64(agentID), ip)
	return err
}

// MarkConnected sets LastSeen to nil and IsOnline to true, then
// broadcasts the status change.
func (s *Store) MarkConnected(ctx context.Context, agentID domain.AgentID) error {
	if _, err := s.exec(ctx, nil, `
		UPDATE agents SET last_seen = NULL, is_online = 1 WHERE id = ?`, int64(agentID)); err != nil {
		return err
	}
	s.notifyAgentStatus(ctx, agentID)
	return nil
}

// MarkDisconnected sets LastSeen to now and IsOnline to false, then
// broadcasts the status change.
func (s *Store) MarkDisconnected(ctx context.Context, agentID domain.AgentID) error {
	if _, err := s.exec(ctx, nil, `
		UPDATE agents SET last_seen = ?, is_online = 0 WHERE id = ?`, s.clock.Now(), int64(agentID)); err != nil {
		return err
	}
	s.notifyAgentStatus(ctx, agentID)
	return nil
}

// TouchLastSeen sets LastSeen to now only if it was previously nil,
// atomically, and reports whether this call performed that write.
func (s *Store) TouchLastSeen(ctx context.Context, agentID domain.AgentID) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	row := s.queryRow(ctx, tx, `SELECT last_seen FROM agents WHERE id = ?`, int64(agentID))
	var lastSeen sql.NullTime
	if err := row.Scan(&lastSeen); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ferrors.ErrNotFound
		}
		return false, err
	}
	if lastSeen.Valid {
		return false, tx.Commit()
	}

	if _, err := s.exec(ctx, tx, `
		UPDATE agents SET last_seen = ? WHERE id = ?`, s.clock.Now(), int64(agentID)); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (s *Store) notifyAgentStatus(ctx context.Context, agentID domain.AgentID) {
	agent, err := s.GetAgentByID(ctx, agentID)
	if err != nil {
		s.log.Warn().Err(err).Int64("agent_id", int64(agentID)).Msg("notifyAgentStatus: lookup failed")
		return
	}
	services, err := s.servicesForAgent(ctx, agentID)
	if err != nil {
		s.log.Warn().Err(err).Int64("agent_id", int64(agentID)).Msg("notifyAgentStatus: services lookup failed")
		return
	}
	s.notify.AgentStatusChanged(ctx, agent.Owner, agent, services)
}

// SyncServices upserts each incoming service by AgentServiceID, then
// deletes any existing service not present in incoming, all in one
// transaction, broadcasting additions and removals once committed.
func (s *Store) SyncServices(ctx context.Context, agentID domain.AgentID, incoming []eventsv1.ServiceData) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := s.clock.Now()
	existing := make(map[string]bool)
	rows, err := s.query(ctx, tx, `SELECT agent_service_id FROM services WHERE agent_id = ?`, int64(agentID))
	if err != nil {
		return err
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		existing[id] = true
	}
	rows.Close()

	keep := make(map[string]bool, len(incoming))
	var added []eventsv1.ServiceData
	for _, svc := range incoming {
		keep[svc.ID] = true
		if !existing[svc.ID] {
			added = append(added, svc)
		}
		if _, err := s.exec(ctx, tx, `
			INSERT INTO services (agent_id, agent_service_id, name, description, version, schedule, last_status, last_message, created_at)
			VALUES (?, ?, ?, ?, ?, ?, 'unknown', '', ?)
			ON CONFLICT (agent_id, agent_service_id) DO UPDATE SET
				name = excluded.name, description = excluded.description,
				version = excluded.version, schedule = excluded.schedule`,
			int64(agentID), svc.ID, svc.Name, svc.Description, svc.Version, svc.Schedule, now); err != nil {
			return err
		}
	}

	var removed []string
	for id := range existing {
		if !keep[id] {
			removed = append(removed, id)
		}
	}
	for _, id := range removed {
		if _, err := s.exec(ctx, tx, `
			DELETE FROM services WHERE agent_id = ? AND agent_service_id = ?`, int64(agentID), id); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	agent, err := s.GetAgentByID(ctx, agentID)
	if err != nil {
		s.log.Warn().Err(err).Msg("SyncServices: agent lookup for notify failed")
		return nil
	}
	for _, svc := range added {
		s.notify.ServiceAdded(ctx, agent.Owner, agentID, domain.Service{
			AgentID: agentID, AgentServiceID: svc.ID, Name: svc.Name,
			Description: svc.Description, Version: svc.Version, Schedule: svc.Schedule,
			LastStatus: domain.StatusUnknown, CreatedAt: now,
		})
	}
	for _, id := range removed {
		s.notify.ServiceRemoved(ctx, agent.Owner, agentID, id)
	}
	return nil
}

// AddService creates one service and broadcasts it.
func (s *Store) AddService(ctx context.Context, agentID domain.AgentID, svc eventsv1.ServiceData) error {
	now := s.clock.Now()
	if _, err := s.exec(ctx, nil, `
		INSERT INTO services (agent_id, agent_service_id, name, description, version, schedule, last_status, last_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 'unknown', '', ?)
		ON CONFLICT (agent_id, agent_service_id) DO UPDATE SET
			name = excluded.name, description = excluded.description,
			version = excluded.version, schedule = excluded.schedule`,
		int64(agentID), svc.ID, svc.Name, svc.Description, svc.Version, svc.Schedule, now); err != nil {
		return err
	}

	agent, err := s.GetAgentByID(ctx, agentID)
	if err != nil {
		s.log.Warn().Err(err).Msg("AddService: agent lookup for notify failed")
		return nil
	}
	s.notify.ServiceAdded(ctx, agent.Owner, agentID, domain.Service{
		AgentID: agentID, AgentServiceID: svc.ID, Name: svc.Name,
		Description: svc.Description, Version: svc.Version, Schedule: svc.Schedule,
		LastStatus: domain.StatusUnknown, CreatedAt: now,
	})
	return nil
}

// RemoveService deletes one service by AgentServiceID. Idempotent: a
// missing row is not an error: it is logged as a warning, and no
// notification is fired for it.
func (s *Store) RemoveService(ctx context.Context, agentID domain.AgentID, serviceID string) error {
	res, err := s.exec(ctx, nil, `
		DELETE FROM services WHERE agent_id = ? AND agent_service_id = ?`, int64(agentID), serviceID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		s.log.Warn().Int64("agent_id", int64(agentID)).Str("service_id", serviceID).Msg("RemoveService: no such service")
		return nil
	}

	agent, err := s.GetAgentByID(ctx, agentID)
	if err != nil {
		s.log.Warn().Err(err).Msg("RemoveService: agent lookup for notify failed")
		return nil
	}
	s.notify.ServiceRemoved(ctx, agent.Owner, agentID, serviceID)
	return nil
}

// UpdateServiceStatus writes LastStatus, LastMessage, LastSeen for one
// service, capturing the pre-image status inside the same transaction so
// the Change Notifier can compare old vs new without a second read.
func (s *Store) UpdateServiceStatus(ctx context.Context, agentID domain.AgentID, update eventsv1.AgentServiceStatusUpdatePayload) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	row := s.queryRow(ctx, tx, `
		SELECT agent_id, agent_service_id, name, description, version, schedule,
		       last_status, last_message, last_seen, created_at
		FROM services WHERE agent_id = ? AND agent_service_id = ?`, int64(agentID), update.ServiceID)
	pre, err := scanService(row)
	if err != nil {
		return err
	}

	if _, err := s.exec(ctx, tx, `
		UPDATE services SET last_status = ?, last_message = ?, last_seen = ?
		WHERE agent_id = ? AND agent_service_id = ?`,
		string(update.Status), update.Message, update.Timestamp, int64(agentID), update.ServiceID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	post := pre
	post.LastStatus = update.Status
	post.LastMessage = update.Message
	ts := update.Timestamp
	post.LastSeen = &ts

	agent, err := s.GetAgentByID(ctx, agentID)
	if err != nil {
		s.log.Warn().Err(err).Msg("UpdateServiceStatus: agent lookup for notify failed")
		return nil
	}
	s.notify.ServiceStatusChanged(ctx, agent.Owner, agentID, post, pre.LastStatus)
	return nil
}

func scanService(row *sql.Row) (domain.Service, error) {
	var svc domain.Service
	var agentID int64
	var lastSeen, createdAt sql.NullTime
	var lastStatus string
	err := row.Scan(&agentID, &svc.AgentServiceID, &svc.Name, &svc.Description, &svc.Version, &svc.Schedule,
		&lastStatus, &svc.LastMessage, &lastSeen, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Service{}, ferrors.ErrNotFound
	}
	if err != nil {
		return domain.Service{}, err
	}
	svc.AgentID = domain.AgentID(agentID)
	svc.LastStatus = domain.ServiceStatus(lastStatus)
	if lastSeen.Valid {
		t := lastSeen.Time
		svc.LastSeen = &t
	}
	if createdAt.Valid {
		svc.CreatedAt = createdAt.Time
	}
	return svc, nil
}

// ListUserAgents returns every Registered agent owned by user, with
// services attached.
func (s *Store) ListUserAgents(ctx context.Context, user domain.UserID) ([]domain.AgentWithServices, error) {
	rows, err := s.query(ctx, nil, `
		SELECT id, key, name, owner_id, owner_set, registration_status, ip_address,
		       created_at, last_seen, is_online, grace_period_seconds, comment
		FROM agents WHERE owner_id = ? AND registration_status = 'registered'`, int64(user))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.AgentWithServices
	for rows.Next() {
		var a domain.Agent
		var keyStr string
		var ownerID sql.NullInt64
		var regStatus string
		var lastSeen sql.NullTime
		var graceSeconds int64
		if err := rows.Scan(&a.ID, &keyStr, &a.Name, &ownerID, &a.OwnerSet, &regStatus, &a.IPAddress,
			&a.CreatedAt, &lastSeen, &a.IsOnline, &graceSeconds, &a.Comment); err != nil {
			return nil, err
		}
		a.Key, err = uuid.Parse(keyStr)
		if err != nil {
			return nil, err
		}
		a.Owner = domain.UserID(ownerID.Int64)
		a.RegistrationStatus = domain.AgentRegistrationStatus(regStatus)
		a.GracePeriod = time.Duration(graceSeconds) * time.Second
		if lastSeen.Valid {
			t := lastSeen.Time
			a.LastSeen = &t
		}

		services, err := s.servicesForAgent(ctx, a.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, domain.AgentWithServices{Agent: a, Services: services})
	}
	return out, rows.Err()
}

// ExpireStaleRegistrations transitions every Pending registration past
// its ExpiresAt to Expired.
func (s *Store) ExpireStaleRegistrations(ctx context.Context) (int64, error) {
	res, err := s.exec(ctx, nil, `
		UPDATE registrations SET status = 'expired'
		WHERE status = 'pending' AND expires_at < ?`, s.clock.Now())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteOldRegistrations removes Completed/Expired rows older than
// retention.
func (s *Store) DeleteOldRegistrations(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := s.clock.Now().Add(-retention)
	res, err := s.exec(ctx, nil, `
		DELETE FROM registrations
		WHERE status IN ('completed', 'expired') AND created_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) servicesForAgent(ctx context.Context, agentID domain.AgentID) ([]domain.Service, error) {
	rows, err := s.query(ctx, nil, `
		SELECT agent_id, agent_service_id, name, description, version, schedule,
		       last_status, last_message, last_seen, created_at
		FROM services WHERE agent_id = ?`, int64(agentID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Service
	for rows.Next() {
		var svc domain.Service
		var aID int64
		var lastSeen, createdAt sql.NullTime
		var lastStatus string
		if err := rows.Scan(&aID, &svc.AgentServiceID, &svc.Name, &svc.Description, &svc.Version, &svc.Schedule,
			&lastStatus, &svc.LastMessage, &lastSeen, &createdAt); err != nil {
			return nil, err
		}
		svc.AgentID = domain.AgentID(aID)
		svc.LastStatus = domain.ServiceStatus(lastStatus)
		if lastSeen.Valid {
			t := lastSeen.Time
			svc.LastSeen = &t
		}
		if createdAt.Valid {
			svc.CreatedAt = createdAt.Time
		}
		out = append(out, svc)
	}
	return out, rows.Err()
}
