package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	apperrors "trade-connector/internal/errors"
	"trade-connector/internal/logging"
	"trade-connector/internal/metrics"
	"trade-connector/internal/models"
	"trade-connector/internal/resilience"
	"trade-connector/pkg/utils"
)

// BridgeConfig holds configuration for the terminal bridge client.
type BridgeConfig struct {
	BaseURL           string
	APIKey            string
	Timeout           time.Duration
	ReconnectAttempts int
	ReconnectInterval time.Duration
	// Breaker trips after consecutive transport failures. The zero value
	// disables it.
	Breaker           resilience.Config
}

// BridgeClient talks to an HTTP sidecar that fronts the trading terminal.
//
//	GET    /health                  -> {"connected": bool}
//	POST   /connect                 -> {"connected": bool}
//	GET    /ohlc?symbol=&timeframe=&count=
//	GET    /positions
//	GET    /history?from=&to=       (unix seconds)
//	GET    /account
//	POST   /positions               {symbol,type,volume,sl,tp,magic,comment}
//	DELETE /positions/{ticket}
type BridgeClient struct {
	client    *resty.Client
	cfg       BridgeConfig
	connected atomic.Bool
	breaker   *resilience.Breaker
	logger    zerolog.Logger
}

// NewBridgeClient creates a bridge client.
func NewBridgeClient(cfg BridgeConfig, logger zerolog.Logger) *BridgeClient {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = "http://127.0.0.1:8787"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.ReconnectAttempts <= 0 {
		cfg.ReconnectAttempts = 3
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = 10 * time.Second
	}
	cfg.BaseURL = base

	client := resty.New()
	client.SetBaseURL(base)
	client.SetTimeout(cfg.Timeout)
	client.SetHeader("User-Agent", "trade-connector/bridge")
	if cfg.APIKey != "" {
		client.SetHeader("X-API-Key", cfg.APIKey)
	}

	b := &BridgeClient{
		client: client,
		cfg:    cfg,
		logger: logger.With().Str("component", "bridge").Logger(),
	}
	b.breaker = resilience.New("bridge", cfg.Breaker,
		resilience.OnStateChange(func(name string, from, to resilience.State) {
			b.logger.Warn().Str("from", string(from)).Str("to", string(to)).Msg("bridge circuit changed state")
			metrics.SetBridgeCircuit(string(to))
		}),
	)
	return b
}

type bridgeError struct {
	Code    string `json:"code"`
	Message string `json:"error"`
}

type barDTO struct {
	Time       int64   `json:"time"`
	Open       float64 `json:"open"`
	High       float64 `json:"high"`
	Low        float64 `json:"low"`
	Close      float64 `json:"close"`
	TickVolume float64 `json:"tick_volume"`
}

type positionDTO struct {
	Ticket       int64   `json:"ticket"`
	Symbol       string  `json:"symbol"`
	Type         string  `json:"type"`
	Volume       float64 `json:"volume"`
	PriceOpen    float64 `json:"price_open"`
	PriceCurrent float64 `json:"price_current"`
	SL           float64 `json:"sl"`
	TP           float64 `json:"tp"`
	Profit       float64 `json:"profit"`
	Magic        int64   `json:"magic"`
	Comment      string  `json:"comment"`
	Time         int64   `json:"time"`
}

type dealDTO struct {
	Ticket     int64   `json:"ticket"`
	PositionID int64   `json:"position_id"`
	Symbol     string  `json:"symbol"`
	Type       string  `json:"type"`
	Entry      string  `json:"entry"`
	Volume     float64 `json:"volume"`
	Price      float64 `json:"price"`
	Profit     float64 `json:"profit"`
	Magic      int64   `json:"magic"`
	Time       int64   `json:"time"`
}

type orderResultDTO struct {
	Ticket  int64  `json:"ticket"`
	Retcode int    `json:"retcode"`
	Comment string `json:"comment"`
}

type healthDTO struct {
	Connected bool `json:"connected"`
}

// retcodeDone is the terminal's "request completed" code.
const retcodeDone = 10009

// do executes a request and maps transport and HTTP errors.
func (b *BridgeClient) do(ctx context.Context, method, path string, result any, prepare func(*resty.Request)) (err error) {
	start := time.Now()
	defer func() { logging.LogAPICall(b.logger, method, path, time.Since(start), err) }()

	if berr := b.breaker.Allow(); berr != nil {
		return apperrors.NewBrokerError("CIRCUIT_OPEN", method+" "+path, fmt.Errorf("%w: %v", apperrors.ErrBrokerUnavailable, berr))
	}

	var apiErr bridgeError
	req := b.client.R().SetContext(ctx).SetError(&apiErr)
	if result != nil {
		req.SetResult(result)
	}
	if prepare != nil {
		prepare(req)
	}

	resp, execErr := req.Execute(method, path)
	if execErr != nil {
		b.connected.Store(false)
		b.breaker.Failure()
		if isTimeout(execErr) {
			return apperrors.NewBrokerError("TIMEOUT", method+" "+path, fmt.Errorf("%w: %w", apperrors.ErrBrokerUnavailable, apperrors.ErrTimeout))
		}
		return apperrors.NewBrokerError("TRANSPORT", method+" "+path, fmt.Errorf("%w: %v", apperrors.ErrBrokerUnavailable, execErr))
	}
	if resp.IsError() {
		msg := apiErr.Message
		if msg == "" {
			msg = resp.String()
		}
		code := apiErr.Code
		if code == "" {
			code = strconv.Itoa(resp.StatusCode())
		}
		if resp.StatusCode() == http.StatusServiceUnavailable {
			b.connected.Store(false)
			b.breaker.Failure()
			return apperrors.NewBrokerError(code, msg, apperrors.ErrBrokerUnavailable)
		}
		b.breaker.Success()
		return apperrors.NewBrokerError(code, msg, nil)
	}
	b.breaker.Success()
	return nil
}

// isTimeout matches both context deadlines and http.Client timeouts.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// CircuitState returns the state of the bridge breaker.
func (b *BridgeClient) CircuitState() resilience.State {
	return b.breaker.State()
}

// GetOHLC fetches the most recent count bars.
func (b *BridgeClient) GetOHLC(ctx context.Context, symbol string, timeframe models.Timeframe, count int) ([]models.Bar, error) {
	var out []barDTO
	err := b.do(ctx, resty.MethodGet, "/ohlc", &out, func(r *resty.Request) {
		r.SetQueryParams(map[string]string{
			"symbol":    symbol,
			"timeframe": string(timeframe),
			"count":     strconv.Itoa(count),
		})
	})
	if err != nil {
		return nil, apperrors.NewDataError("ohlc", symbol, "fetch failed", err)
	}

	bars := make([]models.Bar, len(out))
	for i, d := range out {
		bars[i] = models.Bar{
			Time:   time.Unix(d.Time, 0).UTC(),
			Open:   d.Open,
			High:   d.High,
			Low:    d.Low,
			Close:  d.Close,
			Volume: d.TickVolume,
		}
	}
	return bars, nil
}

// GetPositions lists open positions.
func (b *BridgeClient) GetPositions(ctx context.Context) ([]models.Position, error) {
	var out []positionDTO
	if err := b.do(ctx, resty.MethodGet, "/positions", &out, nil); err != nil {
		return nil, err
	}

	positions := make([]models.Position, 0, len(out))
	for _, d := range out {
		side, err := models.ParseSide(d.Type)
		if err != nil {
			b.logger.Warn().Int64("ticket", d.Ticket).Str("type", d.Type).Msg("skipping position with unknown type")
			continue
		}
		positions = append(positions, models.Position{
			Ticket:       d.Ticket,
			Symbol:       d.Symbol,
			Side:         side,
			Volume:       d.Volume,
			PriceOpen:    d.PriceOpen,
			PriceCurrent: d.PriceCurrent,
			SL:           d.SL,
			TP:           d.TP,
			Profit:       d.Profit,
			Magic:        d.Magic,
			Comment:      d.Comment,
			Time:         time.Unix(d.Time, 0).UTC(),
		})
	}
	return positions, nil
}

// GetHistory lists deals in [from, to].
func (b *BridgeClient) GetHistory(ctx context.Context, from, to time.Time) ([]models.Deal, error) {
	var out []dealDTO
	err := b.do(ctx, resty.MethodGet, "/history", &out, func(r *resty.Request) {
		r.SetQueryParams(map[string]string{
			"from": strconv.FormatInt(from.Unix(), 10),
			"to":   strconv.FormatInt(to.Unix(), 10),
		})
	})
	if err != nil {
		return nil, err
	}

	deals := make([]models.Deal, 0, len(out))
	for _, d := range out {
		side, _ := models.ParseSide(d.Type)
		deals = append(deals, models.Deal{
			Ticket:     d.Ticket,
			PositionID: d.PositionID,
			Symbol:     d.Symbol,
			Side:       side,
			Entry:      models.DealEntry(strings.ToUpper(d.Entry)),
			Volume:     d.Volume,
			Price:      d.Price,
			Profit:     d.Profit,
			Magic:      d.Magic,
			Time:       time.Unix(d.Time, 0).UTC(),
		})
	}
	return deals, nil
}

// OpenPosition submits a market order and returns the position ticket.
func (b *BridgeClient) OpenPosition(ctx context.Context, req models.OrderRequest) (int64, error) {
	if !req.Side.Valid() {
		return 0, apperrors.NewOrderError(0, req.Symbol, string(req.Side), "invalid side", apperrors.ErrInvalidSide)
	}

	var out orderResultDTO
	err := b.do(ctx, resty.MethodPost, "/positions", &out, func(r *resty.Request) {
		r.SetBody(req)
	})
	if err != nil {
		return 0, apperrors.NewOrderError(0, req.Symbol, string(req.Side), "submit failed", err)
	}
	if out.Retcode != retcodeDone || out.Ticket == 0 {
		return 0, apperrors.NewOrderError(0, req.Symbol, string(req.Side),
			fmt.Sprintf("retcode %d: %s", out.Retcode, out.Comment), apperrors.ErrOrderRejected)
	}
	return out.Ticket, nil
}

// ClosePosition closes ticket at market.
func (b *BridgeClient) ClosePosition(ctx context.Context, ticket int64) error {
	var out orderResultDTO
	err := b.do(ctx, resty.MethodDelete, "/positions/{ticket}", &out, func(r *resty.Request) {
		r.SetPathParam("ticket", strconv.FormatInt(ticket, 10))
	})
	if err != nil {
		return apperrors.NewOrderError(ticket, "", "close", "close failed", err)
	}
	if out.Retcode != retcodeDone {
		return apperrors.NewOrderError(ticket, "", "close",
			fmt.Sprintf("retcode %d: %s", out.Retcode, out.Comment), apperrors.ErrOrderRejected)
	}
	return nil
}

// GetAccountInfo fetches the account summary.
func (b *BridgeClient) GetAccountInfo(ctx context.Context) (*models.AccountInfo, error) {
	var out models.AccountInfo
	if err := b.do(ctx, resty.MethodGet, "/account", &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

// IsConnected reports the last known connection state.
func (b *BridgeClient) IsConnected() bool {
	return b.connected.Load()
}

// CheckConnection checks the bridge and, when the terminal is down,
// reconnects up to ReconnectAttempts times ReconnectInterval apart.
func (b *BridgeClient) CheckConnection(ctx context.Context) bool {
	if b.ping(ctx, "/health", resty.MethodGet) {
		return true
	}

	b.logger.Warn().Int("attempts", b.cfg.ReconnectAttempts).Msg("terminal disconnected, reconnecting")
	err := utils.Retry(ctx, utils.RetryConfig{
		MaxAttempts:   b.cfg.ReconnectAttempts,
		InitialDelay:  b.cfg.ReconnectInterval,
		MaxDelay:      b.cfg.ReconnectInterval,
		BackoffFactor: 1,
	}, func() error {
		if b.ping(ctx, "/connect", resty.MethodPost) {
			return nil
		}
		return apperrors.ErrBrokerUnavailable
	})
	if err != nil {
		b.logger.Error().Err(err).Msg("reconnect failed")
		return false
	}
	b.logger.Info().Msg("terminal reconnected")
	return true
}

func (b *BridgeClient) ping(ctx context.Context, path, method string) bool {
	var out healthDTO
	if err := b.do(ctx, method, path, &out, nil); err != nil {
		b.connected.Store(false)
		return false
	}
	b.connected.Store(out.Connected)
	return out.Connected
}

var _ Client = (*BridgeClient)(nil)
