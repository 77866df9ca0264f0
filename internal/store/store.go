package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/josephrent/locksmith-dispatch/internal/apperr"
)

// Queryer is the subset of pgx's pool/tx surface the store needs. A *Store
// built on a pgxpool.Pool and a *Store built on a pgx.Tx (via WithTx) both
// satisfy it, so repository methods work unmodified inside a transaction.
type Queryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type txBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store is the durable relational store. NewStore wraps a live pool;
// WithTx produces a transaction-scoped Store for multi-statement operations
// that must commit or roll back together, e.g. the Session Engine's
// read-modify-write under a per-session row lock.
type Store struct {
	db Queryer
}

// NewStore wraps a pgxpool.Pool for production use.
func NewStore(pool *pgxpool.Pool) *Store {
	if pool == nil {
		panic("store: nil pool")
	}
	return &Store{db: pool}
}

// NewStoreWithQuerier wraps an arbitrary Queryer, used by tests to inject a
// pgxmock pool.
func NewStoreWithQuerier(q Queryer) *Store {
	return &Store{db: q}
}

// WithTx runs fn inside a transaction, committing on success and rolling
// back on error or panic. fn receives a Store bound to the transaction so
// repository methods called on it participate in the same transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx *Store) error) (err error) {
	beginner, ok := s.db.(txBeginner)
	if !ok {
		return errors.New("store: underlying connection does not support transactions")
	}
	tx, err := beginner.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
	}()
	if err = fn(ctx, &Store{db: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

func newID() string {
	return uuid.NewString()
}

// --- providers -----------------------------------------------------------

const providerColumns = `id, display_name, phone, home_city, supports_home_lockout,
	supports_car_lockout, supports_rekey, supports_smart_lock, is_active, is_available,
	notes, onboarded_at, updated_at`

type providerRow struct {
	ID, DisplayName, Phone, HomeCity, Notes                                           string
	SupportsHomeLockout, SupportsCarLockout, SupportsRekey, SupportsSmartLock         bool
	IsActive, IsAvailable                                                             bool
	OnboardedAt, UpdatedAt                                                            pgtype.Timestamptz
}

func scanProvider(row pgx.Row) (*Provider, error) {
	var idUUID pgtype.UUID
	var r providerRow
	err := row.Scan(&idUUID, &r.DisplayName, &r.Phone, &r.HomeCity, &r.SupportsHomeLockout,
		&r.SupportsCarLockout, &r.SupportsRekey, &r.SupportsSmartLock, &r.IsActive, &r.IsAvailable,
		&r.Notes, &r.OnboardedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &Provider{
		ID:                  fromPGUUID(idUUID),
		DisplayName:         r.DisplayName,
		Phone:               r.Phone,
		HomeCity:            r.HomeCity,
		SupportsHomeLockout: r.SupportsHomeLockout,
		SupportsCarLockout:  r.SupportsCarLockout,
		SupportsRekey:       r.SupportsRekey,
		SupportsSmartLock:   r.SupportsSmartLock,
		IsActive:            r.IsActive,
		IsAvailable:         r.IsAvailable,
		Notes:               r.Notes,
		OnboardedAt:         fromPGTime(r.OnboardedAt),
		UpdatedAt:           fromPGTime(r.UpdatedAt),
	}, nil
}

func (s *Store) CreateProvider(ctx context.Context, p *Provider) error {
	if p.ID == "" {
		p.ID = newID()
	}
	now := time.Now().UTC()
	if p.OnboardedAt.IsZero() {
		p.OnboardedAt = now
	}
	p.UpdatedAt = now
	_, err := s.db.Exec(ctx, `
		INSERT INTO providers (`+providerColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		toPGUUID(p.ID), p.DisplayName, p.Phone, p.HomeCity, p.SupportsHomeLockout,
		p.SupportsCarLockout, p.SupportsRekey, p.SupportsSmartLock, p.IsActive, p.IsAvailable,
		p.Notes, toPGTime(p.OnboardedAt), toPGTime(p.UpdatedAt))
	return err
}

func (s *Store) GetProvider(ctx context.Context, id string) (*Provider, error) {
	row := s.db.QueryRow(ctx, `SELECT `+providerColumns+` FROM providers WHERE id = $1`, toPGUUID(id))
	p, err := scanProvider(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// GetProviderByPhone resolves an inbound SMS sender to a Provider. Phone is
// stored in canonical E.164 form, so an exact match suffices.
func (s *Store) GetProviderByPhone(ctx context.Context, phone string) (*Provider, error) {
	row := s.db.QueryRow(ctx, `SELECT `+providerColumns+` FROM providers WHERE phone = $1`, phone)
	p, err := scanProvider(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ListEligibleProviders returns active, available providers in city that
// support serviceType and are not in the exclude set, ordered by
// onboarded_at so earlier-onboarded providers are offered first.
func (s *Store) ListEligibleProviders(ctx context.Context, city string, serviceType ServiceType, exclude []string) ([]*Provider, error) {
	excludeUUIDs := make([]string, 0, len(exclude))
	for _, id := range exclude {
		if _, err := uuid.Parse(id); err == nil {
			excludeUUIDs = append(excludeUUIDs, id)
		}
	}
	col := serviceColumn(serviceType)
	rows, err := s.db.Query(ctx, `
		SELECT `+providerColumns+` FROM providers
		WHERE is_active AND is_available AND lower(home_city) = lower($1) AND `+col+`
		AND NOT (id = ANY($2::uuid[]))
		ORDER BY onboarded_at ASC`, city, excludeUUIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func serviceColumn(t ServiceType) string {
	switch t {
	case ServiceHomeLockout:
		return "supports_home_lockout"
	case ServiceCarLockout:
		return "supports_car_lockout"
	case ServiceRekey:
		return "supports_rekey"
	case ServiceSmartLock:
		return "supports_smart_lock"
	default:
		return "FALSE"
	}
}

func (s *Store) ListProviders(ctx context.Context) ([]*Provider, error) {
	rows, err := s.db.Query(ctx, `SELECT `+providerColumns+` FROM providers ORDER BY onboarded_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) UpdateProvider(ctx context.Context, p *Provider) error {
	p.UpdatedAt = time.Now().UTC()
	tag, err := s.db.Exec(ctx, `
		UPDATE providers SET display_name=$2, phone=$3, home_city=$4, supports_home_lockout=$5,
			supports_car_lockout=$6, supports_rekey=$7, supports_smart_lock=$8, is_active=$9,
			is_available=$10, notes=$11, updated_at=$12
		WHERE id=$1`,
		toPGUUID(p.ID), p.DisplayName, p.Phone, p.HomeCity, p.SupportsHomeLockout,
		p.SupportsCarLockout, p.SupportsRekey, p.SupportsSmartLock, p.IsActive, p.IsAvailable,
		p.Notes, toPGTime(p.UpdatedAt))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

// --- sessions --------------------------------------------------------------

const sessionColumns = `id, status, step_reached, customer_name, customer_phone, customer_email,
	address, city, latitude, longitude, is_in_service_area, service_type, urgency, description,
	vehicle_make, vehicle_model, vehicle_year, deposit_amount_cents, payment_intent_id,
	user_agent, ip, referrer, utm_params, created_at, updated_at, completed_at`

func scanSession(row pgx.Row) (*Session, error) {
	var id pgtype.UUID
	var status string
	var step int32
	var customerName, customerPhone string
	var email, address, city, paymentIntentID, vehicleMake, vehicleModel, serviceType, urgency, description pgtype.Text
	var lat, lng pgtype.Float8
	var inArea pgtype.Bool
	var vehicleYear, depositAmount pgtype.Int4
	var userAgent, ip, referrer string
	var utmRaw []byte
	var createdAt, updatedAt pgtype.Timestamptz
	var completedAt pgtype.Timestamptz

	err := row.Scan(&id, &status, &step, &customerName, &customerPhone, &email,
		&address, &city, &lat, &lng, &inArea, &serviceType, &urgency, &description,
		&vehicleMake, &vehicleModel, &vehicleYear, &depositAmount, &paymentIntentID,
		&userAgent, &ip, &referrer, &utmRaw, &createdAt, &updatedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	sess := &Session{
		ID:              fromPGUUID(id),
		Status:          SessionStatus(status),
		StepReached:     int(step),
		CustomerName:    customerName,
		CustomerPhone:   customerPhone,
		CustomerEmail:   fromPGText(email),
		Address:         fromPGText(address),
		City:            fromPGText(city),
		Latitude:        fromPGFloat8(lat),
		Longitude:       fromPGFloat8(lng),
		IsInServiceArea: fromPGBoolPtr(inArea),
		Description:     fromPGText(description),
		VehicleMake:     fromPGText(vehicleMake),
		VehicleModel:    fromPGText(vehicleModel),
		VehicleYear:     fromPGInt4(vehicleYear),
		DepositAmount:   fromPGInt4(depositAmount),
		PaymentIntentID: fromPGText(paymentIntentID),
		UserAgent:       userAgent,
		IP:              ip,
		Referrer:        referrer,
		UTMParams:       unmarshalStringMap(utmRaw),
		CreatedAt:       fromPGTime(createdAt),
		UpdatedAt:       fromPGTime(updatedAt),
		CompletedAt:     fromPGNullableTime(completedAt),
	}
	if st := fromPGText(serviceType); st != nil {
		svc := ServiceType(*st)
		sess.ServiceType = &svc
	}
	if ur := fromPGText(urgency); ur != nil {
		u := Urgency(*ur)
		sess.Urgency = &u
	}
	return sess, nil
}

func (s *Store) CreateSession(ctx context.Context, sess *Session) error {
	if sess.ID == "" {
		sess.ID = newID()
	}
	now := time.Now().UTC()
	sess.CreatedAt, sess.UpdatedAt = now, now
	if sess.Status == "" {
		sess.Status = SessionStarted
	}
	if sess.StepReached == 0 {
		sess.StepReached = 1
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26)`,
		toPGUUID(sess.ID), string(sess.Status), sess.StepReached, sess.CustomerName, sess.CustomerPhone,
		toPGText(sess.CustomerEmail), toPGText(sess.Address), toPGText(sess.City), toPGFloat8(sess.Latitude),
		toPGFloat8(sess.Longitude), toPGBoolPtr(sess.IsInServiceArea), optServiceType(sess.ServiceType),
		optUrgency(sess.Urgency), toPGText(sess.Description), toPGText(sess.VehicleMake),
		toPGText(sess.VehicleModel), toPGInt4(sess.VehicleYear), toPGInt4(sess.DepositAmount),
		toPGText(sess.PaymentIntentID), sess.UserAgent, sess.IP, sess.Referrer, marshalJSON(sess.UTMParams),
		toPGTime(sess.CreatedAt), toPGTime(sess.UpdatedAt), toPGNullableTime(sess.CompletedAt))
	return err
}

func optServiceType(t *ServiceType) pgtype.Text {
	if t == nil {
		return pgtype.Text{}
	}
	s := string(*t)
	return pgtype.Text{String: s, Valid: true}
}

func optUrgency(u *Urgency) pgtype.Text {
	if u == nil {
		return pgtype.Text{}
	}
	s := string(*u)
	return pgtype.Text{String: s, Valid: true}
}

func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, toPGUUID(id))
	sess, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// GetSessionForUpdate locks the session row. Call only within WithTx: the
// Session Engine uses this to serialize concurrent transitions on the same
// session (spec.md §5).
func (s *Store) GetSessionForUpdate(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1 FOR UPDATE`, toPGUUID(id))
	sess, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *Store) UpdateSession(ctx context.Context, sess *Session) error {
	sess.UpdatedAt = time.Now().UTC()
	tag, err := s.db.Exec(ctx, `
		UPDATE sessions SET status=$2, step_reached=$3, customer_name=$4, customer_phone=$5,
			customer_email=$6, address=$7, city=$8, latitude=$9, longitude=$10, is_in_service_area=$11,
			service_type=$12, urgency=$13, description=$14, vehicle_make=$15, vehicle_model=$16,
			vehicle_year=$17, deposit_amount_cents=$18, payment_intent_id=$19, utm_params=$20,
			updated_at=$21, completed_at=$22
		WHERE id=$1`,
		toPGUUID(sess.ID), string(sess.Status), sess.StepReached, sess.CustomerName, sess.CustomerPhone,
		toPGText(sess.CustomerEmail), toPGText(sess.Address), toPGText(sess.City), toPGFloat8(sess.Latitude),
		toPGFloat8(sess.Longitude), toPGBoolPtr(sess.IsInServiceArea), optServiceType(sess.ServiceType),
		optUrgency(sess.Urgency), toPGText(sess.Description), toPGText(sess.VehicleMake),
		toPGText(sess.VehicleModel), toPGInt4(sess.VehicleYear), toPGInt4(sess.DepositAmount),
		toPGText(sess.PaymentIntentID), marshalJSON(sess.UTMParams), toPGTime(sess.UpdatedAt),
		toPGNullableTime(sess.CompletedAt))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

type SessionFilter struct {
	Status SessionStatus
}

func (s *Store) ListSessions(ctx context.Context, filter SessionFilter) ([]*Session, error) {
	var rows pgx.Rows
	var err error
	if filter.Status != "" {
		rows, err = s.db.Query(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE status=$1 ORDER BY created_at DESC`, string(filter.Status))
	} else {
		rows, err = s.db.Query(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY created_at DESC`)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// --- offers ----------------------------------------------------------------

const offerColumns = `id, session_id, job_id, provider_id, wave_number, status, quoted_price_cents,
	provider_message_id, sent_at, responded_at, expires_at`

func scanOffer(row pgx.Row) (*Offer, error) {
	var id, providerID pgtype.UUID
	var sessionID, jobID pgtype.UUID
	var wave int32
	var status string
	var quotedPrice pgtype.Int4
	var providerMessageID pgtype.Text
	var sentAt, respondedAt, expiresAt pgtype.Timestamptz

	err := row.Scan(&id, &sessionID, &jobID, &providerID, &wave, &status, &quotedPrice,
		&providerMessageID, &sentAt, &respondedAt, &expiresAt)
	if err != nil {
		return nil, err
	}
	return &Offer{
		ID:                fromPGUUID(id),
		SessionID:         fromPGUUIDPtr(sessionID),
		JobID:             fromPGUUIDPtr(jobID),
		ProviderID:        fromPGUUID(providerID),
		WaveNumber:        int(wave),
		Status:            OfferStatus(status),
		QuotedPriceCents:  fromPGInt4(quotedPrice),
		ProviderMessageID: fromPGText(providerMessageID),
		SentAt:            fromPGTime(sentAt),
		RespondedAt:       fromPGNullableTime(respondedAt),
		ExpiresAt:         fromPGNullableTime(expiresAt),
	}, nil
}

func (s *Store) CreateOffer(ctx context.Context, o *Offer) error {
	if o.ID == "" {
		o.ID = newID()
	}
	if o.SentAt.IsZero() {
		o.SentAt = time.Now().UTC()
	}
	if o.WaveNumber == 0 {
		o.WaveNumber = 1
	}
	if o.Status == "" {
		o.Status = OfferPending
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO offers (`+offerColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		toPGUUID(o.ID), toPGUUIDPtr(o.SessionID), toPGUUIDPtr(o.JobID), toPGUUID(o.ProviderID),
		o.WaveNumber, string(o.Status), toPGInt4(o.QuotedPriceCents), toPGText(o.ProviderMessageID),
		toPGTime(o.SentAt), toPGNullableTime(o.RespondedAt), toPGNullableTime(o.ExpiresAt))
	return err
}

func (s *Store) GetOffer(ctx context.Context, id string) (*Offer, error) {
	row := s.db.QueryRow(ctx, `SELECT `+offerColumns+` FROM offers WHERE id = $1`, toPGUUID(id))
	o, err := scanOffer(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return o, nil
}

func (s *Store) UpdateOffer(ctx context.Context, o *Offer) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE offers SET status=$2, quoted_price_cents=$3, responded_at=$4, expires_at=$5
		WHERE id=$1`,
		toPGUUID(o.ID), string(o.Status), toPGInt4(o.QuotedPriceCents),
		toPGNullableTime(o.RespondedAt), toPGNullableTime(o.ExpiresAt))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

func (s *Store) ListOffersBySession(ctx context.Context, sessionID string) ([]*Offer, error) {
	return s.queryOffers(ctx, `SELECT `+offerColumns+` FROM offers WHERE session_id=$1 ORDER BY sent_at DESC`, toPGUUID(sessionID))
}

func (s *Store) ListOffersByJob(ctx context.Context, jobID string) ([]*Offer, error) {
	return s.queryOffers(ctx, `SELECT `+offerColumns+` FROM offers WHERE job_id=$1 ORDER BY sent_at DESC`, toPGUUID(jobID))
}

func (s *Store) queryOffers(ctx context.Context, sql string, args ...any) ([]*Offer, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// FindMostRecentPendingOfferForProvider breaks ties when a provider has more
// than one outstanding Pending offer (spec.md §4.2, Open Question ii):
// the most recently sent one wins.
func (s *Store) FindMostRecentPendingOfferForProvider(ctx context.Context, providerID string) (*Offer, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+offerColumns+` FROM offers
		WHERE provider_id=$1 AND status='pending'
		ORDER BY sent_at DESC LIMIT 1`, toPGUUID(providerID))
	o, err := scanOffer(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return o, nil
}

// FindMostRecentOfferForProvider returns a provider's most recently sent
// offer regardless of status, used to describe what became of an offer
// after a redelivered inbound SMS finds it no longer Pending.
func (s *Store) FindMostRecentOfferForProvider(ctx context.Context, providerID string) (*Offer, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+offerColumns+` FROM offers
		WHERE provider_id=$1
		ORDER BY sent_at DESC LIMIT 1`, toPGUUID(providerID))
	o, err := scanOffer(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return o, nil
}

// CancelOtherPendingOffersForJob cancels every Pending offer for jobID other
// than exceptOfferID in one statement (assignment step 4, spec.md §4.2).
func (s *Store) CancelOtherPendingOffersForJob(ctx context.Context, jobID, exceptOfferID string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE offers SET status='canceled', responded_at=now()
		WHERE job_id=$1 AND status='pending' AND id <> $2`,
		toPGUUID(jobID), toPGUUID(exceptOfferID))
	return err
}

// CancelPendingOffersForJob cancels every Pending offer for jobID, with no
// exception. Used by the admin dispatch-control "cancel" action and by a
// direct manual assignment, which both supersede whatever offers are still
// outstanding.
func (s *Store) CancelPendingOffersForJob(ctx context.Context, jobID string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE offers SET status='canceled', responded_at=now()
		WHERE job_id=$1 AND status='pending'`, toPGUUID(jobID))
	return err
}

// CancelAllOffersForJob cancels every offer for jobID regardless of status,
// used by the admin dispatch-control "restart" action to wipe the slate
// before wave assignment begins again from wave zero.
func (s *Store) CancelAllOffersForJob(ctx context.Context, jobID string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE offers SET status='canceled', responded_at=now()
		WHERE job_id=$1`, toPGUUID(jobID))
	return err
}

// ExpirePendingOffers demotes Pending offers past their expiry to Expired.
// Called lazily before wave progression (spec.md §9 Open Question iii).
func (s *Store) ExpirePendingOffers(ctx context.Context, jobID string) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE offers SET status='expired', responded_at=now()
		WHERE job_id=$1 AND status='pending' AND expires_at IS NOT NULL AND expires_at < now()`,
		toPGUUID(jobID))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Store) CountOffersForJobWave(ctx context.Context, jobID string, wave int) (total, resolved int, err error) {
	row := s.db.QueryRow(ctx, `
		SELECT count(*), count(*) FILTER (WHERE status <> 'pending')
		FROM offers WHERE job_id=$1 AND wave_number=$2`, toPGUUID(jobID), wave)
	err = row.Scan(&total, &resolved)
	return total, resolved, err
}

// --- jobs --------------------------------------------------------------

const jobColumns = `id, session_id, customer_name, customer_phone, address, city, latitude, longitude,
	service_type, urgency, description, vehicle_make, vehicle_model, vehicle_year,
	deposit_amount_cents, payment_intent_id, payment_status,
	refund_amount_cents, refund_id, assigned_provider_id, assigned_at, status, current_wave,
	dispatch_started_at, created_at, updated_at`

func scanJob(row pgx.Row) (*Job, error) {
	var id, sessionID pgtype.UUID
	var customerName, customerPhone, city, serviceType, urgency, status, paymentStatus string
	var address, description, vehicleMake, vehicleModel, paymentIntentID, refundID pgtype.Text
	var lat, lng pgtype.Float8
	var vehicleYear pgtype.Int4
	var depositAmount int32
	var refundAmount pgtype.Int4
	var assignedProviderID pgtype.UUID
	var assignedAt, dispatchStartedAt pgtype.Timestamptz
	var currentWave int32
	var createdAt, updatedAt pgtype.Timestamptz

	err := row.Scan(&id, &sessionID, &customerName, &customerPhone, &address, &city, &lat, &lng,
		&serviceType, &urgency, &description, &vehicleMake, &vehicleModel, &vehicleYear,
		&depositAmount, &paymentIntentID, &paymentStatus,
		&refundAmount, &refundID, &assignedProviderID, &assignedAt, &status, &currentWave,
		&dispatchStartedAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	return &Job{
		ID:                 fromPGUUID(id),
		SessionID:          fromPGUUID(sessionID),
		CustomerName:       customerName,
		CustomerPhone:      customerPhone,
		Address:            fromPGText(address),
		City:               city,
		Latitude:           fromPGFloat8(lat),
		Longitude:          fromPGFloat8(lng),
		ServiceType:        ServiceType(serviceType),
		Urgency:            Urgency(urgency),
		Description:        fromPGText(description),
		VehicleMake:        fromPGText(vehicleMake),
		VehicleModel:       fromPGText(vehicleModel),
		VehicleYear:        fromPGInt4(vehicleYear),
		DepositAmountCents: int(depositAmount),
		PaymentIntentID:    fromPGText(paymentIntentID),
		PaymentStatus:      paymentStatus,
		RefundAmountCents:  fromPGInt4(refundAmount),
		RefundID:           fromPGText(refundID),
		AssignedProviderID: fromPGUUIDPtr(assignedProviderID),
		AssignedAt:         fromPGNullableTime(assignedAt),
		Status:             JobStatus(status),
		CurrentWave:        int(currentWave),
		DispatchStartedAt:  fromPGNullableTime(dispatchStartedAt),
		CreatedAt:          fromPGTime(createdAt),
		UpdatedAt:          fromPGTime(updatedAt),
	}, nil
}

func (s *Store) CreateJob(ctx context.Context, j *Job) error {
	if j.ID == "" {
		j.ID = newID()
	}
	now := time.Now().UTC()
	j.CreatedAt, j.UpdatedAt = now, now
	if j.Status == "" {
		j.Status = JobCreated
	}
	if j.PaymentStatus == "" {
		j.PaymentStatus = "succeeded"
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26)`,
		toPGUUID(j.ID), toPGUUID(j.SessionID), j.CustomerName, j.CustomerPhone, toPGText(j.Address),
		j.City, toPGFloat8(j.Latitude), toPGFloat8(j.Longitude), string(j.ServiceType), string(j.Urgency),
		toPGText(j.Description), toPGText(j.VehicleMake), toPGText(j.VehicleModel), toPGInt4(j.VehicleYear),
		j.DepositAmountCents, toPGText(j.PaymentIntentID), j.PaymentStatus,
		toPGInt4(j.RefundAmountCents), toPGText(j.RefundID), toPGUUIDPtr(j.AssignedProviderID),
		toPGNullableTime(j.AssignedAt), string(j.Status), j.CurrentWave,
		toPGNullableTime(j.DispatchStartedAt), toPGTime(j.CreatedAt), toPGTime(j.UpdatedAt))
	return err
}

func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, toPGUUID(id))
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return j, nil
}

// GetJobByPaymentIntentID resolves a payment webhook event back to the job
// it belongs to. A job's payment_intent_id is set once, at creation, and
// never reused across jobs (spec.md §5).
func (s *Store) GetJobByPaymentIntentID(ctx context.Context, intentID string) (*Job, error) {
	row := s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE payment_intent_id = $1`, intentID)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return j, nil
}

// GetJobForUpdate locks the job row. Call only within WithTx, alongside the
// named assignment lock from internal/lock (spec.md §4.2 assignment protocol).
func (s *Store) GetJobForUpdate(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, toPGUUID(id))
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return j, nil
}

func (s *Store) UpdateJob(ctx context.Context, j *Job) error {
	j.UpdatedAt = time.Now().UTC()
	tag, err := s.db.Exec(ctx, `
		UPDATE jobs SET payment_status=$2, refund_amount_cents=$3, refund_id=$4,
			assigned_provider_id=$5, assigned_at=$6, status=$7, current_wave=$8,
			dispatch_started_at=$9, updated_at=$10
		WHERE id=$1`,
		toPGUUID(j.ID), j.PaymentStatus, toPGInt4(j.RefundAmountCents), toPGText(j.RefundID),
		toPGUUIDPtr(j.AssignedProviderID), toPGNullableTime(j.AssignedAt), string(j.Status),
		j.CurrentWave, toPGNullableTime(j.DispatchStartedAt), toPGTime(j.UpdatedAt))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

type JobFilter struct {
	Status JobStatus
}

func (s *Store) ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error) {
	var rows pgx.Rows
	var err error
	if filter.Status != "" {
		rows, err = s.db.Query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE status=$1 ORDER BY created_at DESC`, string(filter.Status))
	} else {
		rows, err = s.db.Query(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC`)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// --- messages ------------------------------------------------------------

const messageColumns = `id, direction, to_phone, from_phone, body, provider_message_id,
	delivery_status, error_code, error_message, job_id, provider_id, created_at`

func scanMessage(row pgx.Row) (*Message, error) {
	var id pgtype.UUID
	var direction, toPhone, fromPhone, body, deliveryStatus string
	var providerMessageID, errorCode, errorMessage pgtype.Text
	var jobID, providerID pgtype.UUID
	var createdAt pgtype.Timestamptz

	err := row.Scan(&id, &direction, &toPhone, &fromPhone, &body, &providerMessageID,
		&deliveryStatus, &errorCode, &errorMessage, &jobID, &providerID, &createdAt)
	if err != nil {
		return nil, err
	}
	return &Message{
		ID:                fromPGUUID(id),
		Direction:         MessageDirection(direction),
		ToPhone:           toPhone,
		FromPhone:         fromPhone,
		Body:              body,
		ProviderMessageID: fromPGText(providerMessageID),
		DeliveryStatus:    deliveryStatus,
		ErrorCode:         fromPGText(errorCode),
		ErrorMessage:      fromPGText(errorMessage),
		JobID:             fromPGUUIDPtr(jobID),
		ProviderID:        fromPGUUIDPtr(providerID),
		CreatedAt:         fromPGTime(createdAt),
	}, nil
}

func (s *Store) CreateMessage(ctx context.Context, m *Message) error {
	if m.ID == "" {
		m.ID = newID()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		toPGUUID(m.ID), string(m.Direction), m.ToPhone, m.FromPhone, m.Body,
		toPGText(m.ProviderMessageID), m.DeliveryStatus, toPGText(m.ErrorCode), toPGText(m.ErrorMessage),
		toPGUUIDPtr(m.JobID), toPGUUIDPtr(m.ProviderID), toPGTime(m.CreatedAt))
	return err
}

func (s *Store) ListMessages(ctx context.Context, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `SELECT `+messageColumns+` FROM messages ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// --- photos --------------------------------------------------------------

const photoColumns = `id, session_id, job_id, source, bucket, content_type, byte_count,
	mms_media_ids, created_at`

func scanPhoto(row pgx.Row) (*Photo, error) {
	var id, sessionID, jobID pgtype.UUID
	var source, bucket, contentType string
	var byteCount int64
	var mmsRaw []byte
	var createdAt pgtype.Timestamptz

	err := row.Scan(&id, &sessionID, &jobID, &source, &bucket, &contentType, &byteCount,
		&mmsRaw, &createdAt)
	if err != nil {
		return nil, err
	}
	return &Photo{
		ID:          fromPGUUID(id),
		SessionID:   fromPGUUIDPtr(sessionID),
		JobID:       fromPGUUIDPtr(jobID),
		Source:      PhotoSource(source),
		Bucket:      bucket,
		ContentType: contentType,
		ByteCount:   byteCount,
		MMSMediaIDs: unmarshalStringSlice(mmsRaw),
		CreatedAt:   fromPGTime(createdAt),
	}, nil
}

func (s *Store) CreatePhoto(ctx context.Context, p *Photo) error {
	if p.ID == "" {
		p.ID = newID()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO photos (`+photoColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		toPGUUID(p.ID), toPGUUIDPtr(p.SessionID), toPGUUIDPtr(p.JobID), string(p.Source), p.Bucket,
		p.ContentType, p.ByteCount, marshalJSON(p.MMSMediaIDs), toPGTime(p.CreatedAt))
	return err
}

func (s *Store) GetPhoto(ctx context.Context, id string) (*Photo, error) {
	row := s.db.QueryRow(ctx, `SELECT `+photoColumns+` FROM photos WHERE id = $1`, toPGUUID(id))
	p, err := scanPhoto(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// --- audit events ----------------------------------------------------------

const auditColumns = `id, entity_type, entity_id, event_type, actor_type, actor_email, payload, created_at`

func scanAuditEvent(row pgx.Row) (*AuditEvent, error) {
	var id pgtype.UUID
	var entityType, entityID, eventType, actorType string
	var actorEmail pgtype.Text
	var payloadRaw []byte
	var createdAt pgtype.Timestamptz

	err := row.Scan(&id, &entityType, &entityID, &eventType, &actorType, &actorEmail, &payloadRaw, &createdAt)
	if err != nil {
		return nil, err
	}
	return &AuditEvent{
		ID:         fromPGUUID(id),
		EntityType: entityType,
		EntityID:   entityID,
		EventType:  eventType,
		ActorType:  ActorType(actorType),
		ActorEmail: fromPGText(actorEmail),
		Payload:    unmarshalAnyMap(payloadRaw),
		CreatedAt:  fromPGTime(createdAt),
	}, nil
}

func (s *Store) InsertAuditEvent(ctx context.Context, e *AuditEvent) error {
	if e.ID == "" {
		e.ID = newID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO audit_events (`+auditColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		toPGUUID(e.ID), e.EntityType, e.EntityID, e.EventType, string(e.ActorType),
		toPGText(e.ActorEmail), marshalJSON(e.Payload), toPGTime(e.CreatedAt))
	return err
}

func (s *Store) ListAuditEventsForEntity(ctx context.Context, entityType, entityID string) ([]*AuditEvent, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+auditColumns+` FROM audit_events
		WHERE entity_type=$1 AND entity_id=$2 ORDER BY created_at ASC`, entityType, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*AuditEvent
	for rows.Next() {
		e, err := scanAuditEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- processed events (webhook idempotency) ---------------------------------

// AlreadyProcessed reports whether eventID from provider (e.g. "stripe",
// "twilio") has already been handled, per the idempotent-dispatch
// requirement in spec.md §5.
func (s *Store) AlreadyProcessed(ctx context.Context, provider, eventID string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM processed_events WHERE provider=$1 AND event_id=$2)`,
		provider, eventID).Scan(&exists)
	return exists, err
}

// MarkProcessed records that eventID has been handled. Safe to call more
// than once; a duplicate insert is ignored.
func (s *Store) MarkProcessed(ctx context.Context, provider, eventID string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO processed_events (provider, event_id, processed_at)
		VALUES ($1,$2,$3) ON CONFLICT (provider, event_id) DO NOTHING`,
		provider, eventID, toPGTime(time.Now().UTC()))
	return err
}
