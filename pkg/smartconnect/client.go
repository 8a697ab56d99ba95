// Package smartconnect is a typed, context-aware client for the Angel One SmartAPI.
// It covers the routes an intraday trading run needs: password+TOTP login,
// logout, last traded price, historical candles and order placement.
//
// Usage example:
//
//	sc := smartconnect.NewSmartConnect(smartconnect.Config{APIKey: "your_api_key"})
//	tokens, err := sc.GenerateSession(ctx, "CLIENTID", "PIN", "123456")
//	if err != nil { return err }
//	orderID, err := sc.PlaceOrder(ctx, smartconnect.OrderParams{
//	    Variety: "NORMAL", TradingSymbol: "SBIN-EQ", SymbolToken: "3045", TransactionType: "BUY",
//	    Exchange: "NSE", OrderType: "MARKET", ProductType: "INTRADAY", Duration: "DAY", Quantity: "1",
//	})
package smartconnect

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// ---- Config & client ----

type Config struct {
	APIKey string

	RootURL        string        // default: https://apiconnect.angelone.in
	Timeout        time.Duration // default: 7s
	HTTPClient     *http.Client  // optional; overrides Timeout
	UserType       string        // default: USER
	SourceID       string        // default: WEB
	ClientPublicIP string        // default: 106.193.147.98
	ClientLocalIP  string        // default resolved, else 127.0.0.1
	ClientMAC      string        // default from interface MAC
	Debug          bool
}

// SmartConnect holds one authenticated broker session. It is safe for
// concurrent use; token state is guarded by mu.
type SmartConnect struct {
	apiKey  string
	rootURL string
	debug   bool

	httpClient *http.Client

	userType       string
	sourceID       string
	clientPublicIP string
	clientLocalIP  string
	clientMAC      string

	mu           sync.RWMutex
	accessToken  string
	refreshToken string
	feedToken    string
	clientCode   string

	// Optional callback for 403 TokenException
	SessionExpiryHook func()
}

const (
	defaultRoot     = "https://apiconnect.angelone.in"
	defaultPublicIP = "106.193.147.98"

	// CandleTimeLayout is the fromdate/todate format for getCandleData.
	// The broker reads it as IST wall-clock time.
	CandleTimeLayout = "2006-01-02 15:04"
)

// IST is the exchange zone every SmartAPI timestamp is expressed in.
var IST = time.FixedZone("IST", 5*3600+30*60)

var routes = map[string]string{
	"api.login":       "/rest/auth/angelbroking/user/v1/loginByPassword",
	"api.logout":      "/rest/secure/angelbroking/user/v1/logout",
	"api.ltp.data":    "/rest/secure/angelbroking/order/v1/getLtpData",
	"api.candle.data": "/rest/secure/angelbroking/historical/v1/getCandleData",
	"api.order.place": "/rest/secure/angelbroking/order/v1/placeOrder",
}

// ErrEmptyResponse is returned when the broker answers with no body or no data.
var ErrEmptyResponse = errors.New("smartconnect: empty response")

// APIError is a broker-reported failure: a non-2xx status, a TokenException
// or a response envelope with status=false.
type APIError struct {
	Route      string
	HTTPStatus int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	code := e.Code
	if code == "" {
		code = "status=false"
	}
	return fmt.Sprintf("smartconnect: %s failed (http %d, %s): %s", e.Route, e.HTTPStatus, code, e.Message)
}

// GetLocalIP finds your local IP address
func GetLocalIP() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", err
	}

	for _, address := range addrs {
		// Check if it's an IP address and not a loopback
		if ipNet, ok := address.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ipNet.IP.To4() != nil {
				return ipNet.IP.String(), nil
			}
		}
	}
	return "", fmt.Errorf("no local IP found")
}

// NewSmartConnect initializes an unauthenticated client.
func NewSmartConnect(cfg Config) *SmartConnect {
	if cfg.RootURL == "" {
		cfg.RootURL = defaultRoot
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 7 * time.Second
	}
	if cfg.UserType == "" {
		cfg.UserType = "USER"
	}
	if cfg.SourceID == "" {
		cfg.SourceID = "WEB"
	}
	if cfg.ClientLocalIP == "" {
		localIP, err := GetLocalIP()
		if err != nil {
			slog.Debug("smartconnect: local IP unresolved", "error", err)
		}
		cfg.ClientLocalIP = firstNonEmpty(localIP, "127.0.0.1")
	}
	cfg.ClientPublicIP = firstNonEmpty(cfg.ClientPublicIP, defaultPublicIP)
	if cfg.ClientMAC == "" {
		cfg.ClientMAC = getMACFallback()
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	return &SmartConnect{
		apiKey:         cfg.APIKey,
		rootURL:        strings.TrimRight(cfg.RootURL, "/"),
		debug:          cfg.Debug,
		httpClient:     client,
		userType:       cfg.UserType,
		sourceID:       cfg.SourceID,
		clientPublicIP: cfg.ClientPublicIP,
		clientLocalIP:  cfg.ClientLocalIP,
		clientMAC:      cfg.ClientMAC,
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func getMACFallback() string {
	ifs, _ := net.Interfaces()
	for _, ifc := range ifs {
		if len(ifc.HardwareAddr) > 0 {
			return ifc.HardwareAddr.String()
		}
	}
	return "00:11:22:33:44:55"
}

// ---- Helpers ----

// envelope is the common SmartAPI response shape.
type envelope struct {
	Status    bool            `json:"status"`
	Message   string          `json:"message"`
	ErrorCode string          `json:"errorcode"`
	ErrorType string          `json:"error_type"`
	Data      json.RawMessage `json:"data"`
}

func (sc *SmartConnect) requestHeaders() http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "application/json")
	h.Set("X-ClientLocalIP", sc.clientLocalIP)
	h.Set("X-ClientPublicIP", sc.clientPublicIP)
	h.Set("X-MACAddress", sc.clientMAC)
	h.Set("X-PrivateKey", sc.apiKey)
	h.Set("X-UserType", sc.userType)
	h.Set("X-SourceID", sc.sourceID)
	if tok := sc.AccessToken(); tok != "" {
		h.Set("Authorization", "Bearer "+tok)
	}
	return h
}

// post sends params as JSON to route and decodes the envelope's data into out
// (when out is non-nil). A status=false envelope is returned as *APIError.
func (sc *SmartConnect) post(ctx context.Context, route string, params any, out any) error {
	uri, ok := routes[route]
	if !ok {
		return fmt.Errorf("unknown route: %s", route)
	}

	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("smartconnect: encode %s: %w", route, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sc.rootURL+uri, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header = sc.requestHeaders()

	if sc.debug {
		slog.Debug("smartconnect request", "route", route, "body", string(body))
	}

	resp, err := sc.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("smartconnect: %s: %w", route, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("smartconnect: read %s: %w", route, err)
	}

	if sc.debug {
		slog.Debug("smartconnect response", "route", route, "code", resp.StatusCode, "body", string(raw))
	}

	if len(bytes.TrimSpace(raw)) == 0 {
		return fmt.Errorf("%w: %s (http %d)", ErrEmptyResponse, route, resp.StatusCode)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("smartconnect: couldn't parse JSON response from %s: %w", route, err)
	}

	// Handle API error style: {"error_type": "TokenException", "message": "..."}
	if env.ErrorType != "" {
		if sc.SessionExpiryHook != nil && resp.StatusCode == http.StatusForbidden && env.ErrorType == "TokenException" {
			sc.SessionExpiryHook()
		}
		return &APIError{Route: route, HTTPStatus: resp.StatusCode, Code: env.ErrorType, Message: env.Message}
	}
	if resp.StatusCode/100 != 2 || !env.Status {
		return &APIError{Route: route, HTTPStatus: resp.StatusCode, Code: env.ErrorCode, Message: env.Message}
	}

	if out == nil {
		return nil
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return fmt.Errorf("%w: %s has no data", ErrEmptyResponse, route)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("smartconnect: decode %s data: %w", route, err)
	}
	return nil
}

// ---- Token state ----

func (sc *SmartConnect) AccessToken() string {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.accessToken
}

func (sc *SmartConnect) FeedToken() string {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.feedToken
}

func (sc *SmartConnect) ClientCode() string {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.clientCode
}

func (sc *SmartConnect) APIKey() string { return sc.apiKey }

// ---- API Methods ----

// TokenSet is the data returned by a successful login.
type TokenSet struct {
	JWTToken     string `json:"jwtToken"`
	RefreshToken string `json:"refreshToken"`
	FeedToken    string `json:"feedToken"`
}

// GenerateSession logs in with client code, PIN and a current TOTP code,
// storing the returned tokens on the client.
func (sc *SmartConnect) GenerateSession(ctx context.Context, clientCode, password, totp string) (TokenSet, error) {
	params := map[string]string{"clientcode": clientCode, "password": password, "totp": totp}

	var ts TokenSet
	if err := sc.post(ctx, "api.login", params, &ts); err != nil {
		return TokenSet{}, err
	}
	if ts.JWTToken == "" {
		return TokenSet{}, fmt.Errorf("%w: login returned no jwtToken", ErrEmptyResponse)
	}

	sc.mu.Lock()
	sc.accessToken = ts.JWTToken
	sc.refreshToken = ts.RefreshToken
	sc.feedToken = ts.FeedToken
	sc.clientCode = clientCode
	sc.mu.Unlock()

	return ts, nil
}

// TerminateSession logs out and clears the stored tokens.
func (sc *SmartConnect) TerminateSession(ctx context.Context) error {
	err := sc.post(ctx, "api.logout", map[string]string{"clientcode": sc.ClientCode()}, nil)

	sc.mu.Lock()
	sc.accessToken, sc.refreshToken, sc.feedToken = "", "", ""
	sc.mu.Unlock()

	return err
}

// LTP is the getLtpData payload.
type LTP struct {
	Exchange      string  `json:"exchange"`
	TradingSymbol string  `json:"tradingsymbol"`
	SymbolToken   string  `json:"symboltoken"`
	Open          float64 `json:"open"`
	High          float64 `json:"high"`
	Low           float64 `json:"low"`
	Close         float64 `json:"close"`
	LTP           float64 `json:"ltp"`
}

// LTPData fetches the last traded price of one instrument.
func (sc *SmartConnect) LTPData(ctx context.Context, exchange, tradingSymbol, symbolToken string) (LTP, error) {
	params := map[string]string{
		"exchange":      exchange,
		"tradingsymbol": tradingSymbol,
		"symboltoken":   symbolToken,
	}
	var out LTP
	if err := sc.post(ctx, "api.ltp.data", params, &out); err != nil {
		return LTP{}, err
	}
	return out, nil
}

// CandleParams selects a historical candle range.
type CandleParams struct {
	Exchange    string
	SymbolToken string
	Interval    string // ONE_MINUTE, FIVE_MINUTE, ..., ONE_DAY
	From, To    time.Time
}

// CandleRow is one OHLCV bar as returned by getCandleData.
type CandleRow struct {
	TS                     time.Time
	Open, High, Low, Close float64
	Volume                 int64
}

// UnmarshalJSON decodes the positional form
// ["2026-10-16T09:15:00+05:30", open, high, low, close, volume].
func (c *CandleRow) UnmarshalJSON(b []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if len(raw) < 6 {
		return fmt.Errorf("candle row has %d fields, want 6", len(raw))
	}

	var ts string
	if err := json.Unmarshal(raw[0], &ts); err != nil {
		return fmt.Errorf("candle timestamp: %w", err)
	}
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return fmt.Errorf("candle timestamp %q: %w", ts, err)
	}

	var vals [4]float64
	for i := range vals {
		if err := json.Unmarshal(raw[i+1], &vals[i]); err != nil {
			return fmt.Errorf("candle field %d: %w", i+1, err)
		}
	}
	var vol float64
	if err := json.Unmarshal(raw[5], &vol); err != nil {
		return fmt.Errorf("candle volume: %w", err)
	}

	*c = CandleRow{TS: t, Open: vals[0], High: vals[1], Low: vals[2], Close: vals[3], Volume: int64(vol)}
	return nil
}

// CandleData fetches historical candles for the given range.
func (sc *SmartConnect) CandleData(ctx context.Context, p CandleParams) ([]CandleRow, error) {
	params := map[string]string{
		"exchange":    p.Exchange,
		"symboltoken": p.SymbolToken,
		"interval":    p.Interval,
		"fromdate":    p.From.In(IST).Format(CandleTimeLayout),
		"todate":      p.To.In(IST).Format(CandleTimeLayout),
	}
	var rows []CandleRow
	if err := sc.post(ctx, "api.candle.data", params, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// OrderParams is the placeOrder request body.
type OrderParams struct {
	Variety         string `json:"variety"`
	TradingSymbol   string `json:"tradingsymbol"`
	SymbolToken     string `json:"symboltoken"`
	TransactionType string `json:"transactiontype"`
	Exchange        string `json:"exchange"`
	OrderType       string `json:"ordertype"`
	ProductType     string `json:"producttype"`
	Duration        string `json:"duration"`
	Price           string `json:"price"`
	SquareOff       string `json:"squareoff"`
	StopLoss        string `json:"stoploss"`
	Quantity        string `json:"quantity"`
}

// PlaceOrder submits one order and returns the broker order id.
// It makes exactly one HTTP call.
func (sc *SmartConnect) PlaceOrder(ctx context.Context, p OrderParams) (string, error) {
	var out struct {
		Script        string `json:"script"`
		OrderID       string `json:"orderid"`
		UniqueOrderID string `json:"uniqueorderid"`
	}
	if err := sc.post(ctx, "api.order.place", p, &out); err != nil {
		return "", err
	}
	if out.OrderID == "" {
		return "", fmt.Errorf("%w: placeOrder returned no orderid", ErrEmptyResponse)
	}
	return out.OrderID, nil
}
