/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with realistic
	data for testing and demos. Each scenario is a YAML file embedded from
	scenarios/ describing users, events and the transactions to replay.

AVAILABLE SCENARIOS:

	pool-basics:   payment, expense, refund split 1:3
	weekend-trip:  settled shares, one guest still owes (reminders fire)
	flat-share:    refund that credits an invited, never-signed-up guest

HOW SCENARIOS WORK:
 1. Reset the store (clear all data)
 2. Sign up users, reload their balances
 3. Create events with their guests (unknown emails become invited users)
 4. Replay transactions through the engine, in file order

Amounts are quoted decimal strings. Dates are relative to today
(eventInDays, paymentInDays) so reminder windows stay meaningful.

USAGE VIA API:

	POST /api/scenarios/load
	{"scenarioId": "weekend-trip"}

ADDING NEW SCENARIOS:
 Drop a new .yaml file in scenarios/. The id must be unique.

NOTE:

	Scenarios reset the store. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Handler
  - scenarios/*.yaml: Fixtures
*/
package api

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/warp/pool-ledger/auth"
	"github.com/warp/pool-ledger/ledger"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

//go:embed scenarios/*.yaml
var scenarioFS embed.FS

type scenario struct {
	ID           string                `yaml:"id"`
	Name         string                `yaml:"name"`
	Description  string                `yaml:"description"`
	Users        []scenarioUser        `yaml:"users"`
	Events       []scenarioEvent       `yaml:"events"`
	Transactions []scenarioTransaction `yaml:"transactions"`
}

type scenarioUser struct {
	Email     string `yaml:"email"`
	FirstName string `yaml:"firstName"`
	LastName  string `yaml:"lastName"`
	Password  string `yaml:"password"`
	Reload    string `yaml:"reload"`
}

type scenarioEvent struct {
	Ref            string         `yaml:"ref"`
	Name           string         `yaml:"name"`
	Description    string         `yaml:"description"`
	Organizer      string         `yaml:"organizer"`
	OrganizerShare string         `yaml:"organizerShare"`
	EventInDays    int            `yaml:"eventInDays"`
	PaymentInDays  int            `yaml:"paymentInDays"`
	Guests         []GuestRequest `yaml:"guests"`
}

type scenarioTransaction struct {
	Type     string `yaml:"type"`
	From     string `yaml:"from"`
	Event    string `yaml:"event"`
	Amount   string `yaml:"amount"`
	Name     string `yaml:"name"`
	Category string `yaml:"category"`
	Invoice  string `yaml:"invoice"`
	Settle   bool   `yaml:"settle"`
}

func (s scenario) dto() ScenarioDTO {
	return ScenarioDTO{ID: s.ID, Name: s.Name, Description: s.Description}
}

// loadCatalog parses every embedded scenario once.
var loadCatalog = sync.OnceValues(func() (map[string]scenario, error) {
	return parseScenarios(scenarioFS, "scenarios")
})

func parseScenarios(fsys fs.FS, dir string) (map[string]scenario, error) {
	files, err := fs.Glob(fsys, dir+"/*.yaml")
	if err != nil {
		return nil, err
	}
	out := make(map[string]scenario, len(files))
	for _, name := range files {
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, err
		}
		var s scenario
		if err := yaml.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		if s.ID == "" {
			return nil, fmt.Errorf("parse %s: missing id", name)
		}
		if _, dup := out[s.ID]; dup {
			return nil, fmt.Errorf("parse %s: duplicate scenario id %q", name, s.ID)
		}
		out[s.ID] = s
	}
	return out, nil
}

var errResetUnsupported = errors.New("store does not support reset")

// =============================================================================
// SCENARIO HANDLERS
// =============================================================================

// ListScenarios returns available scenarios, sorted by id.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	catalog, err := loadCatalog()
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	dtos := make([]ScenarioDTO, 0, len(catalog))
	for _, s := range catalog {
		dtos = append(dtos, s.dto())
	}
	sort.Slice(dtos, func(i, j int) bool { return dtos[i].ID < dtos[j].ID })
	writeJSON(w, http.StatusOK, dtos)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.scenarioMu.Lock()
	current := h.currentScenario
	h.scenarioMu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	catalog, err := loadCatalog()
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, catalog[current].dto())
}

// LoadScenario resets the store and replays a scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeFailure(w, r, err)
		return
	}
	catalog, err := loadCatalog()
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	sc, ok := catalog[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	if err := h.loadScenario(r.Context(), sc); err != nil {
		if errors.Is(err, errResetUnsupported) {
			writeError(w, http.StatusNotImplemented, "Reset is not supported by this store", err)
			return
		}
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": sc.ID})
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	h.scenarioMu.Lock()
	defer h.scenarioMu.Unlock()

	if err := h.reset(r.Context()); err != nil {
		if errors.Is(err, errResetUnsupported) {
			writeError(w, http.StatusNotImplemented, "Reset is not supported by this store", err)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) reset(ctx context.Context) error {
	if h.store == nil {
		return errResetUnsupported
	}
	if err := h.store.Reset(ctx); err != nil {
		return err
	}
	if h.Reminders != nil {
		h.Reminders.Reset()
	}
	h.currentScenario = ""
	return nil
}

// =============================================================================
// SCENARIO PLAYBACK
// =============================================================================

func (h *Handler) loadScenario(ctx context.Context, sc scenario) error {
	h.scenarioMu.Lock()
	defer h.scenarioMu.Unlock()

	if err := h.reset(ctx); err != nil {
		return err
	}
	p := &playback{h: h, users: make(map[string]ledger.UserID), events: make(map[string]ledger.EventID)}
	if err := p.run(ctx, sc); err != nil {
		return err
	}
	h.currentScenario = sc.ID
	h.logger.InfoContext(ctx, "scenario loaded", "scenario", sc.ID,
		"users", len(sc.Users), "events", len(sc.Events), "transactions", len(sc.Transactions))
	return nil
}

type playback struct {
	h      *Handler
	users  map[string]ledger.UserID // lower-cased email -> id
	events map[string]ledger.EventID
}

func (p *playback) run(ctx context.Context, sc scenario) error {
	today := time.Now().UTC().Truncate(24 * time.Hour)

	for _, u := range sc.Users {
		session, err := p.h.Auth.Signup(ctx, auth.SignupRequest{
			Email:     u.Email,
			FirstName: u.FirstName,
			LastName:  u.LastName,
			Password:  u.Password,
		})
		if err != nil {
			return fmt.Errorf("user %s: %w", u.Email, err)
		}
		p.users[strings.ToLower(u.Email)] = session.User.ID
		if u.Reload == "" {
			continue
		}
		_, err = p.h.Ledger.Apply(ctx, ledger.Request{
			Type:    ledger.TxReload,
			Amount:  u.Reload,
			Emitter: string(session.User.ID),
			Name:    "Initial reload",
		})
		if err != nil {
			return fmt.Errorf("reload %s: %w", u.Email, err)
		}
	}

	for _, e := range sc.Events {
		organizer, err := p.user(ctx, e.Organizer)
		if err != nil {
			return fmt.Errorf("event %s: %w", e.Ref, err)
		}
		ne, err := CreateEventRequest{
			Name:           e.Name,
			Description:    e.Description,
			EventDate:      today.AddDate(0, 0, e.EventInDays).Format(dateLayout),
			PaymentDate:    today.AddDate(0, 0, e.PaymentInDays).Format(dateLayout),
			OrganizerShare: e.OrganizerShare,
			Guests:         e.Guests,
		}.toNewEvent(organizer)
		if err != nil {
			return fmt.Errorf("event %s: %w", e.Ref, err)
		}
		event, err := p.h.Ledger.CreateEvent(ctx, ne)
		if err != nil {
			return fmt.Errorf("event %s: %w", e.Ref, err)
		}
		p.events[e.Ref] = event.ID
	}

	for i, t := range sc.Transactions {
		req, err := p.request(ctx, t)
		if err != nil {
			return fmt.Errorf("transaction %d: %w", i+1, err)
		}
		res, err := p.h.Ledger.Apply(ctx, req)
		if err != nil {
			return fmt.Errorf("transaction %d (%s): %w", i+1, t.Type, err)
		}
		if res.Warning != nil {
			p.h.logger.WarnContext(ctx, "scenario refund partially credited", "warning", res.Warning.String())
		}
	}
	return nil
}

func (p *playback) request(ctx context.Context, t scenarioTransaction) (ledger.Request, error) {
	req := ledger.Request{
		Type:     ledger.TransactionType(t.Type),
		Amount:   t.Amount,
		Name:     t.Name,
		Category: t.Category,
		Invoice:  t.Invoice,
		Settle:   t.Settle,
	}
	var eventID ledger.EventID
	if t.Event != "" {
		id, ok := p.events[t.Event]
		if !ok {
			return req, fmt.Errorf("unknown event ref %q", t.Event)
		}
		eventID = id
	}

	switch req.Type {
	case ledger.TxReload, ledger.TxPayment:
		from, err := p.user(ctx, t.From)
		if err != nil {
			return req, err
		}
		req.Emitter = string(from)
		if req.Type == ledger.TxPayment {
			req.Recipient = string(eventID)
			req.EventID = eventID
		}
	default:
		req.Emitter = string(eventID)
		req.EventID = eventID
	}
	return req, nil
}

// user resolves an email to a user id; invited users are looked up in the store.
func (p *playback) user(ctx context.Context, email string) (ledger.UserID, error) {
	if id, ok := p.users[strings.ToLower(email)]; ok {
		return id, nil
	}
	u, err := p.h.Ledger.FindUserByEmail(ctx, email)
	if err != nil {
		return "", err
	}
	p.users[strings.ToLower(email)] = u.ID
	return u.ID, nil
}
