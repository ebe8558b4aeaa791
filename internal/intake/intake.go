// Package intake is C5: the webhook HTTP server that receives trading
// signals and turns them into canonical Signal records. Server shape
// (Config{WebhookPort,AdminPort}, a mux, callback registration) follows the
// teacher pack's webhook postback server (other_examples' Dhan webhook.go)
// since the teacher itself never runs an inbound HTTP server of its own.
package intake

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/justtrades/engine/internal/eventbus"
	"github.com/justtrades/engine/internal/jterr"
	"github.com/justtrades/engine/internal/model"
	"github.com/justtrades/engine/internal/store"
)

// Config holds the intake HTTP server's settings.
type Config struct {
	WebhookPort int
	AdminPort   int
}

// Pipeline is invoked with every accepted signal; it's the execution
// pipeline's (C6) entry point, kept as a function value here so intake
// doesn't import execution and create a cycle.
type Pipeline func(ctx context.Context, recorder model.Recorder, sig model.Signal)

// Reconciler and Killer let the admin endpoints trigger out-of-band
// actions without intake depending on those packages' full types.
type Reconciler func(ctx context.Context) error
type Killer func(ctx context.Context, traderID, ticker string) error

// Server is the webhook + admin HTTP surface.
type Server struct {
	cfg        Config
	recorders  *store.RecorderRepo
	signals    *store.SignalRepo
	bus        *eventbus.Bus
	pipeline   Pipeline
	reconcile  Reconciler
	kill       Killer
	dedupe     *dedupeRing
}

func NewServer(cfg Config, recorders *store.RecorderRepo, signals *store.SignalRepo, bus *eventbus.Bus, pipeline Pipeline, reconcile Reconciler, kill Killer) *Server {
	return &Server{
		cfg: cfg, recorders: recorders, signals: signals, bus: bus,
		pipeline: pipeline, reconcile: reconcile, kill: kill,
		dedupe: newDedupeRing(4096, 2*time.Second),
	}
}

// Mux builds the webhook server's handler (public) for WEBHOOK_PORT.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/webhook/", s.handleWebhook)
	return mux
}

// AdminMux builds the operator control handler for ADMIN_PORT, kept on a
// separate port so it is never exposed alongside the public webhook path.
func (s *Server) AdminMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/internal/reconcile", s.handleReconcile)
	mux.HandleFunc("/internal/kill/", s.handleKill)
	return mux
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	token := r.URL.Path[len("/webhook/"):]
	if token == "" {
		http.Error(w, "missing webhook token", http.StatusNotFound)
		return
	}

	recorder, err := s.recorders.ByWebhookToken(token)
	if err != nil {
		http.Error(w, "unknown webhook token", http.StatusNotFound)
		return
	}
	if !recorder.Enabled {
		http.Error(w, "recorder disabled", http.StatusForbidden)
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	sig, parseErr := ParseSignal(*recorder, raw)
	sig.ID = uuid.NewString()
	sig.ReceivedAt = time.Now()
	sig.RawPayload = string(raw)
	sig.Fingerprint = fingerprint(recorder.ID, raw)

	if parseErr != nil {
		sig.Accepted = false
		sig.RejectReason = parseErr.Error()
		s.reject(w, *recorder, sig)
		return
	}

	if s.dedupe.seen(recorder.ID, sig.Fingerprint) {
		sig.Accepted = false
		sig.RejectReason = "duplicate signal within dedupe window"
		s.reject(w, *recorder, sig)
		return
	}

	sig.Accepted = true
	if err := s.signals.Save(sig); err != nil {
		log.Error().Err(err).Msg("intake: failed to persist signal")
	}
	s.bus.Publish(eventbus.TopicSignalAccepted, sig)
	s.pipeline(r.Context(), *recorder, sig)

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"accepted","signal_id":"` + sig.ID + `"}`))
}

func (s *Server) reject(w http.ResponseWriter, recorder model.Recorder, sig model.Signal) {
	if err := s.signals.Save(sig); err != nil {
		log.Error().Err(err).Msg("intake: failed to persist rejected signal")
	}
	s.bus.Publish(eventbus.TopicSignalRejected, sig)
	log.Warn().Str("recorder", recorder.ID).Str("reason", sig.RejectReason).Msg("⚠️ signal rejected")
	w.WriteHeader(http.StatusUnprocessableEntity)
	_, _ = w.Write([]byte(`{"status":"rejected","reason":"` + sig.RejectReason + `"}`))
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.reconcile(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	traderID, ticker, ok := strings.Cut(strings.TrimPrefix(r.URL.Path, "/internal/kill/"), "/")
	if !ok || traderID == "" || ticker == "" {
		http.Error(w, "bad path", http.StatusBadRequest)
		return
	}
	if err := s.kill(r.Context(), traderID, ticker); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func fingerprint(recorderID string, raw []byte) string {
	h := sha256.Sum256(append([]byte(recorderID+":"), raw...))
	return hex.EncodeToString(h[:])
}

// webhookPayload is the generic JSON shape this engine accepts; real
// TradingView-style alerts vary in field names, so ParseSignal tolerates
// a couple of common spellings per field.
type webhookPayload struct {
	Action           string           `json:"action"`
	Side             string           `json:"side"`
	MarketPosition   string           `json:"market_position"`
	Ticker           string           `json:"ticker"`
	Symbol           string           `json:"symbol"`
	Price            *decimal.Decimal `json:"price"`
	Qty              *decimal.Decimal `json:"qty"`
	Size             *decimal.Decimal `json:"size"`
	Quantity         *decimal.Decimal `json:"quantity"`
	PositionSize     *decimal.Decimal `json:"position_size"`
	PrevPositionSize *decimal.Decimal `json:"prev_position_size"`
}

// ParseSignal derives the canonical Action/Ticker/Qty from a raw webhook
// body per §4.5, using recorder config (symbol, base qty) as the default
// when the payload omits ticker/size.
func ParseSignal(recorder model.Recorder, raw []byte) (model.Signal, error) {
	var p webhookPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return model.Signal{}, jterr.UnparseableSignal
	}

	action, derivedQty, err := resolveAction(p)
	if err != nil {
		return model.Signal{}, err
	}

	ticker := p.Ticker
	if ticker == "" {
		ticker = p.Symbol
	}
	if ticker == "" {
		ticker = recorder.Symbol
	}
	ticker = normalizeTicker(ticker)

	qty := recorder.BaseQty
	switch {
	case p.Qty != nil:
		qty = *p.Qty
	case p.Size != nil:
		qty = *p.Size
	case p.Quantity != nil:
		qty = *p.Quantity
	case derivedQty != nil:
		qty = *derivedQty
	}

	return model.Signal{RecorderID: recorder.ID, Action: action, Ticker: ticker, Price: p.Price, Qty: qty}, nil
}

// resolveAction prefers an explicit action/side spelling; failing that, it
// derives the action from market_position per §4.5 — a strategy alert
// reports the position it's now in, not an imperative verb, so "long"
// means BUY, "short" means SELL and "flat" means CLOSE regardless of what
// the position was before. When derived this way, the order's qty is also
// reported as the resulting position-size delta, since there's no separate
// qty field to read in that alert style.
func resolveAction(p webhookPayload) (model.Action, *decimal.Decimal, error) {
	if action, ok := literalAction(p); ok {
		return action, nil, nil
	}
	if action, ok := actionFromPositionTransition(p); ok {
		return action, positionTransitionQty(p), nil
	}
	return "", nil, jterr.UnparseableSignal
}

func literalAction(p webhookPayload) (model.Action, bool) {
	raw := p.Action
	if raw == "" {
		raw = p.Side
	}
	switch raw {
	case "buy", "BUY", "long", "LONG":
		return model.ActionBuy, true
	case "sell", "SELL", "short", "SHORT":
		return model.ActionSell, true
	case "close", "CLOSE", "exit", "EXIT", "flat", "FLAT":
		return model.ActionClose, true
	default:
		return "", false
	}
}

func actionFromPositionTransition(p webhookPayload) (model.Action, bool) {
	switch strings.ToLower(strings.TrimSpace(p.MarketPosition)) {
	case "long":
		return model.ActionBuy, true
	case "short":
		return model.ActionSell, true
	case "flat":
		return model.ActionClose, true
	default:
		return "", false
	}
}

// positionTransitionQty reports |position_size - prev_position_size| when
// both are present, nil otherwise.
func positionTransitionQty(p webhookPayload) *decimal.Decimal {
	if p.PositionSize == nil || p.PrevPositionSize == nil {
		return nil
	}
	delta := p.PositionSize.Sub(*p.PrevPositionSize).Abs()
	return &delta
}

// tickerAliases maps common TradingView continuous-contract spellings to
// the broker's front-month symbol; unmapped tickers pass through unchanged.
var tickerAliases = map[string]string{
	"ES1!": "ES", "NQ1!": "NQ", "MES1!": "MES", "MNQ1!": "MNQ",
}

func normalizeTicker(raw string) string {
	if alias, ok := tickerAliases[raw]; ok {
		return alias
	}
	return raw
}
