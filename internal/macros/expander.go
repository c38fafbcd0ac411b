package macros

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var (
	expansionCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "macro_expansions_total",
			Help: "Total number of macro expansions performed",
		},
		[]string{"macro", "success"},
	)
	expansionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "macro_expansion_duration_seconds",
			Help:    "Time taken to expand all macros in a string",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// ExpansionFunc produces the value of one macro.
type ExpansionFunc func(ctx *Context) (string, error)

// Context is everything a macro may refer to. It describes one winning bid
// or house creative.
type Context struct {
	RequestID   string
	ImpID       string
	BidID       string
	Network     string
	PlacementID string
	Currency    string
	Price       float64
	Timestamp   time.Time

	// Custom holds request targeting pairs, addressed as {CUSTOM.key}.
	Custom map[string]string
}

// Expander replaces OpenRTB style ${NAME} and bare {NAME} placeholders.
type Expander struct {
	logger     *zap.Logger
	expansions map[string]ExpansionFunc
	mu         sync.RWMutex
	strictMode bool // Any failing macro fails the whole expansion.
}

// NewExpander creates an expander with the standard macros registered.
func NewExpander(logger *zap.Logger) *Expander {
	return NewExpanderWithMode(logger, false)
}

// NewExpanderWithMode creates an expander with configurable strictness.
func NewExpanderWithMode(logger *zap.Logger, strictMode bool) *Expander {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Expander{
		logger:     logger,
		expansions: make(map[string]ExpansionFunc),
		strictMode: strictMode,
	}
	e.registerDefaultMacros()
	return e
}

// ExpandURL expands macros in a tracking or click URL. Values are query
// escaped.
func (e *Expander) ExpandURL(rawURL string, ctx *Context) (string, error) {
	if rawURL == "" {
		return "", nil
	}
	if _, err := url.Parse(rawURL); err != nil {
		e.logger.Warn("unparsable url for macro expansion", zap.String("url", rawURL), zap.Error(err))
		return rawURL, err
	}
	return e.expand(rawURL, ctx, url.QueryEscape)
}

// ExpandMarkup expands macros in ad markup. Values are inserted verbatim.
func (e *Expander) ExpandMarkup(markup string, ctx *Context) (string, error) {
	if markup == "" {
		return "", nil
	}
	return e.expand(markup, ctx, func(s string) string { return s })
}

func (e *Expander) expand(s string, ctx *Context, escape func(string) string) (string, error) {
	start := time.Now()
	defer func() {
		expansionDuration.Observe(time.Since(start).Seconds())
	}()
	if ctx == nil {
		ctx = &Context{}
	}

	var replacements []string
	for key, value := range ctx.Custom {
		for _, ph := range placeholders("CUSTOM." + key) {
			if strings.Contains(s, ph) {
				replacements = append(replacements, ph, escape(value))
			}
		}
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	for name, fn := range e.expansions {
		var found []string
		for _, ph := range placeholders(name) {
			if strings.Contains(s, ph) {
				found = append(found, ph)
			}
		}
		if len(found) == 0 {
			continue
		}
		value, err := fn(ctx)
		if err != nil {
			expansionCounter.WithLabelValues(name, "false").Inc()
			e.logger.Warn("macro expansion failed", zap.String("macro", name), zap.Error(err))
			if e.strictMode {
				return "", fmt.Errorf("expand macro %s: %w", name, err)
			}
			continue
		}
		for _, ph := range found {
			replacements = append(replacements, ph, escape(value))
		}
		expansionCounter.WithLabelValues(name, "true").Inc()
	}

	if len(replacements) == 0 {
		return s, nil
	}
	return strings.NewReplacer(replacements...).Replace(s), nil
}

// placeholders lists the spellings of a macro. The ${} form comes first so
// the replacer does not leave a stray dollar sign behind.
func placeholders(name string) []string {
	return []string{"${" + name + "}", "{" + name + "}"}
}

// RegisterMacro adds or replaces a macro.
func (e *Expander) RegisterMacro(name string, fn ExpansionFunc) error {
	if name == "" {
		return fmt.Errorf("macro name cannot be empty")
	}
	if fn == nil {
		return fmt.Errorf("expansion function cannot be nil")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.expansions[name] = fn
	return nil
}

// RegisteredMacros returns the names of all registered macros.
func (e *Expander) RegisteredMacros() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.expansions))
	for name := range e.expansions {
		names = append(names, name)
	}
	return names
}

func (e *Expander) registerDefaultMacros() {
	// OpenRTB 2.x substitution macros
	e.expansions["AUCTION_ID"] = func(ctx *Context) (string, error) { return ctx.RequestID, nil }
	e.expansions["AUCTION_IMP_ID"] = func(ctx *Context) (string, error) { return ctx.ImpID, nil }
	e.expansions["AUCTION_BID_ID"] = func(ctx *Context) (string, error) { return ctx.BidID, nil }
	e.expansions["AUCTION_SEAT_ID"] = func(ctx *Context) (string, error) { return ctx.Network, nil }
	e.expansions["AUCTION_PRICE"] = func(ctx *Context) (string, error) {
		return strconv.FormatFloat(ctx.Price, 'f', -1, 64), nil
	}
	e.expansions["AUCTION_CURRENCY"] = func(ctx *Context) (string, error) {
		if ctx.Currency == "" {
			return "USD", nil
		}
		return ctx.Currency, nil
	}

	e.expansions["PLACEMENT_ID"] = func(ctx *Context) (string, error) { return ctx.PlacementID, nil }
	e.expansions["TIMESTAMP"] = func(ctx *Context) (string, error) {
		return strconv.FormatInt(ctx.Timestamp.Unix(), 10), nil
	}
	e.expansions["TIMESTAMP_MS"] = func(ctx *Context) (string, error) {
		return strconv.FormatInt(ctx.Timestamp.UnixMilli(), 10), nil
	}
	e.expansions["RANDOM"] = func(ctx *Context) (string, error) {
		return strconv.FormatInt(time.Now().UnixNano(), 10), nil
	}
	e.expansions["UUID"] = func(ctx *Context) (string, error) { return uuid.NewString(), nil }
}
