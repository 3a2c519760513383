package apps

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gosimple/slug"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var (
	ErrUnknownApp         = errors.New("unknown app")
	ErrUnknownSessionType = errors.New("unknown session type")
	ErrInvalidAppName     = errors.New("app name must be a lowercase slug")
	ErrDuplicateApp       = errors.New("app already registered")
	ErrEmptyAppSequence   = errors.New("session type has no apps")

	// ErrInvalidInput is wrapped by page submit hooks that reject a form.
	ErrInvalidInput = errors.New("invalid input")
)

// SessionConfig is the declarative definition of a session type.
type SessionConfig struct {
	Name                string   `json:"name"`
	DisplayName         string   `json:"display_name"`
	AppSequence         []string `json:"app_sequence"`
	NumDemoParticipants int      `json:"num_demo_participants"`
	FixedPay            float64  `json:"fixed_pay"`
	MoneyPerPoint       float64  `json:"money_per_point"`
}

// SessionType is a SessionConfig whose app names have been resolved.
type SessionType struct {
	SessionConfig
	Apps []App
}

func (t *SessionType) AppNames() []string {
	names := make([]string, len(t.Apps))
	for i, app := range t.Apps {
		names[i] = app.Name()
	}
	return names
}

// Registry maps app names to apps and session type names to session types.
// It is filled at startup and read-only afterwards.
type Registry struct {
	apps         map[string]App
	appOrder     []string
	sessionTypes map[string]*SessionType
	typeOrder    []string
}

func NewRegistry() *Registry {
	return &Registry{
		apps:         map[string]App{},
		sessionTypes: map[string]*SessionType{},
	}
}

func (r *Registry) Register(app App) error {
	name := app.Name()
	if !slug.IsSlug(name) {
		return fmt.Errorf("%w: %q", ErrInvalidAppName, name)
	}
	if _, ok := r.apps[name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateApp, name)
	}
	r.apps[name] = app
	r.appOrder = append(r.appOrder, name)
	return nil
}

func (r *Registry) App(name string) (App, error) {
	app, ok := r.apps[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownApp, name)
	}
	return app, nil
}

// Apps returns every registered app in registration order.
func (r *Registry) Apps() []App {
	out := make([]App, 0, len(r.appOrder))
	for _, name := range r.appOrder {
		out = append(out, r.apps[name])
	}
	return out
}

// AddSessionType resolves cfg's app sequence now, so an unknown app is a
// startup error rather than a failure at session creation.
func (r *Registry) AddSessionType(cfg SessionConfig) error {
	if len(cfg.AppSequence) == 0 {
		return fmt.Errorf("%w: %q", ErrEmptyAppSequence, cfg.Name)
	}
	st := &SessionType{SessionConfig: cfg}
	for _, name := range cfg.AppSequence {
		app, err := r.App(name)
		if err != nil {
			return fmt.Errorf("session type %q: %w", cfg.Name, err)
		}
		st.Apps = append(st.Apps, app)
	}
	if st.DisplayName == "" {
		st.DisplayName = DisplayName(cfg.Name)
	}
	if st.MoneyPerPoint == 0 {
		st.MoneyPerPoint = 1
	}
	if _, ok := r.sessionTypes[cfg.Name]; !ok {
		r.typeOrder = append(r.typeOrder, cfg.Name)
	}
	r.sessionTypes[cfg.Name] = st
	return nil
}

func (r *Registry) SessionType(name string) (*SessionType, error) {
	st, ok := r.sessionTypes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSessionType, name)
	}
	return st, nil
}

func (r *Registry) SessionTypes() []*SessionType {
	out := make([]*SessionType, 0, len(r.typeOrder))
	for _, name := range r.typeOrder {
		out = append(out, r.sessionTypes[name])
	}
	return out
}

// Models collects the gorm models of every registered app.
func (r *Registry) Models() []any {
	var out []any
	for _, app := range r.Apps() {
		out = append(out, app.Models()...)
	}
	return out
}

// DisplayName turns an app or session type identifier like "public-goods"
// into "Public Goods".
func DisplayName(name string) string {
	name = strings.NewReplacer("-", " ", "_", " ").Replace(name)
	// a Caser is stateful, so one per call
	return cases.Title(language.English).String(name)
}
