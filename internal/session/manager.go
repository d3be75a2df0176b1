// Package session is the single source of truth for "who is logged in" and
// "how many credits remain". Every backend-authenticated operation goes
// through the Manager; views hold snapshots and never mutate shared state.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/imagify-app/imagify-desk/internal/backend"
	"github.com/imagify-app/imagify-desk/internal/models"
	"github.com/imagify-app/imagify-desk/internal/store"
)

// Coordination sentinels. Views treat both as "do nothing": ErrBusy means an
// identical submission is already in flight, ErrSessionChanged means the
// session identity changed while the request was running and its result was
// discarded. Neither is shown to the user.
var (
	ErrBusy           = errors.New("operation already in flight")
	ErrSessionChanged = errors.New("session changed while request was in flight")
)

// Backend is the slice of the API client the manager depends on. The
// concrete implementation lives in internal/backend; tests substitute fakes.
type Backend interface {
	Login(ctx context.Context, email, password string) (*backend.AuthResponse, error)
	Register(ctx context.Context, name, email, password string) (*backend.AuthResponse, error)
	Credits(ctx context.Context, token string) (*backend.CreditsResponse, error)
	Generate(ctx context.Context, token string, req models.GenerationRequest) (*backend.GenerateResponse, error)
	CreateOrder(ctx context.Context, token, planID string) (*backend.OrderResponse, error)
	VerifyPayment(ctx context.Context, token string, providerResponse json.RawMessage) error
}

// Snapshot is the immutable view handed to observers and pollers.
type Snapshot struct {
	State         models.SessionState
	User          *models.User
	Credits       int
	LoginRequired bool
}

// Operation kinds used for in-flight dedup. A second submission of the same
// kind while one is pending is rejected with ErrBusy; unrelated kinds may
// run concurrently.
const (
	opLogin    = "login"
	opRegister = "register"
	opRefresh  = "refresh"
	opGenerate = "generate"
	opPurchase = "purchase"
)

// Manager owns the Session. All mutation happens here, under one mutex, and
// every mutation ends with an observer notification.
type Manager struct {
	backend  Backend
	tokens   store.TokenStore
	log      *slog.Logger
	validate *validator.Validate

	mu            sync.Mutex
	state         models.SessionState
	user          *models.User
	token         string
	loginRequired bool

	// epoch increments whenever the session identity changes (login,
	// logout, forced expiry). In-flight completions compare epochs and
	// discard themselves when stale.
	epoch uint64

	// balanceSeq/balanceApplied order concurrent balance writes so a
	// stale refresh response can never overwrite a fresher value.
	balanceSeq     uint64
	balanceApplied uint64

	inflight  map[string]bool
	observers map[int]func(Snapshot)
	nextObsID int
	disposed  bool
}

func NewManager(b Backend, tokens store.TokenStore, log *slog.Logger) *Manager {
	return &Manager{
		backend:   b,
		tokens:    tokens,
		log:       log,
		validate:  validator.New(),
		state:     models.StateAnonymous,
		inflight:  make(map[string]bool),
		observers: make(map[int]func(Snapshot)),
	}
}

// Init resolves a previously persisted token into a profile. On any failure
// the stale token is cleared and the session stays Anonymous; startup never
// surfaces an error to the user.
func (m *Manager) Init(ctx context.Context) {
	token, ok := m.tokens.Token()
	if !ok {
		return
	}

	m.mu.Lock()
	m.state = models.StateAuthenticating
	m.token = token
	epoch := m.epoch
	seq := m.nextSeqLocked()
	m.mu.Unlock()
	m.notify()

	resp, err := m.backend.Credits(ctx, token)
	if err != nil {
		m.log.Info("persisted token rejected, starting anonymous", "err", err)
		m.mu.Lock()
		if m.epoch == epoch {
			_ = m.tokens.ClearToken()
			m.resetLocked()
		}
		m.mu.Unlock()
		m.notify()
		return
	}

	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return
	}
	user := resp.User
	if user == nil {
		user = &models.User{}
	}
	user.CreditBalance = resp.Credits
	m.state = models.StateAuthenticated
	m.user = user
	m.balanceApplied = seq
	m.mu.Unlock()
	m.notify()
}

type loginInput struct {
	Email    string `validate:"required,email"`
	Password string `validate:"required"`
}

type registerInput struct {
	Name     string `validate:"required"`
	Email    string `validate:"required,email"`
	Password string `validate:"required,min=6"`
}

// Login exchanges credentials for a session. On success the token is
// persisted, the user cached, and the login prompt dismissed. On failure the
// session stays Anonymous and nothing is persisted.
func (m *Manager) Login(ctx context.Context, email, password string) error {
	email = strings.TrimSpace(email)
	if err := m.validate.Struct(loginInput{Email: email, Password: password}); err != nil {
		return &models.ValidationError{Reason: validationReason(err)}
	}

	if !m.begin(opLogin) {
		return ErrBusy
	}
	defer m.end(opLogin)

	epoch := m.enterAuthenticating()

	resp, err := m.backend.Login(ctx, email, password)
	if err != nil {
		m.leaveAuthenticating(epoch)
		return err
	}
	return m.adoptSession(epoch, resp)
}

// Register creates the account server-side first, then behaves like Login.
func (m *Manager) Register(ctx context.Context, name, email, password string) error {
	name = strings.TrimSpace(name)
	email = strings.TrimSpace(email)
	if err := m.validate.Struct(registerInput{Name: name, Email: email, Password: password}); err != nil {
		return &models.ValidationError{Reason: validationReason(err)}
	}

	if !m.begin(opRegister) {
		return ErrBusy
	}
	defer m.end(opRegister)

	epoch := m.enterAuthenticating()

	resp, err := m.backend.Register(ctx, name, email, password)
	if err != nil {
		m.leaveAuthenticating(epoch)
		return err
	}
	return m.adoptSession(epoch, resp)
}

// Logout is synchronous and idempotent: clear the durable token, clear the
// cached user, return to Anonymous. The epoch bump makes any in-flight
// completion for the old identity discard itself.
func (m *Manager) Logout() {
	_ = m.tokens.ClearToken()

	m.mu.Lock()
	changed := m.state != models.StateAnonymous || m.user != nil
	m.resetLocked()
	m.loginRequired = false
	m.mu.Unlock()

	if changed {
		m.notify()
	}
}

// RefreshCredits re-fetches the authoritative balance. It is a silent no-op
// when Anonymous; callers may retry it freely since it has no side effects.
func (m *Manager) RefreshCredits(ctx context.Context) error {
	m.mu.Lock()
	if m.state != models.StateAuthenticated {
		m.mu.Unlock()
		return nil
	}
	token := m.token
	epoch := m.epoch
	seq := m.nextSeqLocked()
	m.mu.Unlock()

	resp, err := m.backend.Credits(ctx, token)
	if err != nil {
		if errors.Is(err, models.ErrAuthRequired) {
			m.expire(epoch)
		}
		return err
	}

	m.applyBalance(epoch, seq, resp.Credits)
	return nil
}

// Generate runs one prompt-to-image cycle. Anonymous callers get
// ErrAuthRequired and the login prompt, with no network traffic. A balance
// reported on the response is adopted with a fresh sequence number so it
// beats any refresh still in flight.
func (m *Manager) Generate(ctx context.Context, req models.GenerationRequest) (*models.GenerationResult, error) {
	req.Prompt = strings.TrimSpace(req.Prompt)
	if req.Prompt == "" {
		return nil, &models.ValidationError{Reason: "prompt is required"}
	}

	m.mu.Lock()
	if m.state != models.StateAuthenticated {
		m.loginRequired = true
		m.mu.Unlock()
		m.notify()
		return nil, models.ErrAuthRequired
	}
	token := m.token
	epoch := m.epoch
	m.mu.Unlock()

	if !m.begin(opGenerate) {
		return nil, ErrBusy
	}
	defer m.end(opGenerate)

	resp, err := m.backend.Generate(ctx, token, req)
	if err != nil {
		if errors.Is(err, models.ErrAuthRequired) {
			m.expire(epoch)
		}
		return nil, err
	}

	m.mu.Lock()
	stale := m.epoch != epoch
	m.mu.Unlock()
	if stale {
		return nil, ErrSessionChanged
	}

	if resp.CreditBalance != nil {
		m.mu.Lock()
		seq := m.nextSeqLocked()
		m.mu.Unlock()
		m.applyBalance(epoch, seq, *resp.CreditBalance)
	}

	return &models.GenerationResult{
		ImageData:     resp.ResultImage,
		CreditBalance: resp.CreditBalance,
	}, nil
}

// InitiatePurchase requests an order handle for the plan. The handle is
// opaque; it goes straight to the payment collaborator, whose completion
// callback is the only proof of payment the client trusts.
func (m *Manager) InitiatePurchase(ctx context.Context, planID string) (json.RawMessage, error) {
	plan, ok := models.PlanByID(planID)
	if !ok {
		return nil, &models.ValidationError{Reason: "unknown plan: " + planID}
	}

	m.mu.Lock()
	if m.state != models.StateAuthenticated {
		m.loginRequired = true
		m.mu.Unlock()
		m.notify()
		return nil, models.ErrAuthRequired
	}
	token := m.token
	epoch := m.epoch
	m.mu.Unlock()

	if !m.begin(opPurchase) {
		return nil, ErrBusy
	}
	defer m.end(opPurchase)

	resp, err := m.backend.CreateOrder(ctx, token, plan.ID)
	if err != nil {
		if errors.Is(err, models.ErrAuthRequired) {
			m.expire(epoch)
		}
		return nil, err
	}
	return resp.Order, nil
}

// CompletePurchase verifies the payment collaborator's completion callback
// with the backend, then refreshes the balance exactly once. Credits are
// never assumed updated before that refresh.
func (m *Manager) CompletePurchase(ctx context.Context, providerResponse json.RawMessage) error {
	m.mu.Lock()
	if m.state != models.StateAuthenticated {
		m.loginRequired = true
		m.mu.Unlock()
		m.notify()
		return models.ErrAuthRequired
	}
	token := m.token
	m.mu.Unlock()

	if err := m.backend.VerifyPayment(ctx, token, providerResponse); err != nil {
		return fmt.Errorf("%w: %w", models.ErrPaymentVerification, err)
	}

	return m.RefreshCredits(ctx)
}

// RequireLogin raises the login prompt flag without touching the network.
func (m *Manager) RequireLogin() {
	m.mu.Lock()
	m.loginRequired = true
	m.mu.Unlock()
	m.notify()
}

// DismissLogin lowers the login prompt flag.
func (m *Manager) DismissLogin() {
	m.mu.Lock()
	m.loginRequired = false
	m.mu.Unlock()
	m.notify()
}

// Snapshot returns the current immutable view of the session.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Subscribe registers an observer invoked after every state mutation. The
// returned function unsubscribes it.
func (m *Manager) Subscribe(fn func(Snapshot)) func() {
	m.mu.Lock()
	id := m.nextObsID
	m.nextObsID++
	m.observers[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.observers, id)
		m.mu.Unlock()
	}
}

// Dispose detaches all observers. The manager is inert afterwards; it is an
// error to keep issuing operations, though doing so is harmless.
func (m *Manager) Dispose() {
	m.mu.Lock()
	m.disposed = true
	m.observers = make(map[int]func(Snapshot))
	m.mu.Unlock()
}

// --- internals ---

func (m *Manager) enterAuthenticating() uint64 {
	m.mu.Lock()
	m.state = models.StateAuthenticating
	epoch := m.epoch
	m.mu.Unlock()
	m.notify()
	return epoch
}

// leaveAuthenticating rolls back to Anonymous after a failed credential
// exchange, unless the identity changed underneath us.
func (m *Manager) leaveAuthenticating(epoch uint64) {
	m.mu.Lock()
	if m.epoch == epoch {
		if m.user != nil {
			m.state = models.StateAuthenticated
		} else {
			m.state = models.StateAnonymous
		}
	}
	m.mu.Unlock()
	m.notify()
}

// adoptSession installs a fresh identity from a successful login/register
// response. The epoch bump invalidates completions issued under the old
// identity.
func (m *Manager) adoptSession(epoch uint64, resp *backend.AuthResponse) error {
	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return ErrSessionChanged
	}
	m.epoch++
	m.state = models.StateAuthenticated
	m.token = resp.Token
	m.user = resp.User
	m.loginRequired = false
	m.balanceApplied = m.nextSeqLocked()
	m.mu.Unlock()

	if err := m.tokens.SetToken(resp.Token); err != nil {
		// The in-memory session is still valid; only restart persistence
		// is degraded.
		m.log.Warn("persist token", "err", err)
	}

	m.notify()
	return nil
}

// expire drops the session after the backend rejected our token (the
// 401-equivalent). The login prompt is raised so the user can re-enter.
func (m *Manager) expire(epoch uint64) {
	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return
	}
	_ = m.tokens.ClearToken()
	m.resetLocked()
	m.loginRequired = true
	m.mu.Unlock()
	m.notify()
}

func (m *Manager) resetLocked() {
	m.state = models.StateAnonymous
	m.user = nil
	m.token = ""
	m.epoch++
}

func (m *Manager) applyBalance(epoch, seq uint64, credits int) {
	m.mu.Lock()
	if m.epoch != epoch || seq <= m.balanceApplied || m.user == nil {
		m.mu.Unlock()
		return
	}
	m.balanceApplied = seq
	m.user.CreditBalance = credits
	m.mu.Unlock()
	m.notify()
}

func (m *Manager) nextSeqLocked() uint64 {
	m.balanceSeq++
	return m.balanceSeq
}

func (m *Manager) begin(op string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inflight[op] {
		return false
	}
	m.inflight[op] = true
	return true
}

func (m *Manager) end(op string) {
	m.mu.Lock()
	delete(m.inflight, op)
	m.mu.Unlock()
}

func (m *Manager) snapshotLocked() Snapshot {
	snap := Snapshot{
		State:         m.state,
		LoginRequired: m.loginRequired,
	}
	if m.user != nil {
		u := *m.user
		snap.User = &u
		snap.Credits = u.CreditBalance
	}
	return snap
}

func (m *Manager) notify() {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	snap := m.snapshotLocked()
	fns := make([]func(Snapshot), 0, len(m.observers))
	for _, fn := range m.observers {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}

// validationReason converts the first validator field error into a
// human-readable message.
func validationReason(err error) string {
	var ve validator.ValidationErrors
	if errors.As(err, &ve) && len(ve) > 0 {
		fe := ve[0]
		field := strings.ToLower(fe.Field())
		switch fe.Tag() {
		case "required":
			return field + " is required"
		case "email":
			return field + " must be a valid email"
		case "min":
			return fmt.Sprintf("%s must be at least %s characters", field, fe.Param())
		default:
			return fmt.Sprintf("%s failed validation (%s)", field, fe.Tag())
		}
	}
	return err.Error()
}
