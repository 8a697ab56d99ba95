package model

// Side is the transaction direction of an order.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// OrderOutcome is the result of a single order submission.
// Exactly one of OrderID or Err is set.
type OrderOutcome struct {
	OrderID string `json:"order_id,omitempty"`
	Err     error  `json:"-"`
}

// Filled reports whether the broker accepted the order.
func (o OrderOutcome) Filled() bool {
	return o.Err == nil && o.OrderID != ""
}

// Reason returns the failure reason, or "" on success.
func (o OrderOutcome) Reason() string {
	if o.Err != nil {
		return o.Err.Error()
	}
	if o.OrderID == "" {
		return "empty order id"
	}
	return ""
}
