package models

// Requests for the control-surface HTTP endpoints.

type ActiveSignalsRequest struct {
	Symbol   string `query:"symbol" json:"symbol"`
	Priority string `query:"priority" json:"priority" validate:"omitempty,oneof=CRITICAL HIGH MEDIUM LOW critical high medium low"`
}

type SignalHistoryRequest struct {
	Limit int `query:"limit" json:"limit" default:"100" validate:"gte=1,lte=1000"`
}

type UpdateStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=TRIGGERED EXECUTED CANCELLED triggered executed cancelled"`
}

type SymbolsRequest struct {
	Symbols    []string `json:"symbols" validate:"required,min=1,dive,required"`
	Timeframes []string `json:"timeframes" validate:"omitempty,dive,oneof=1m 5m 15m 1h 4h 1d"`
}

type ForceUpdateRequest struct {
	Symbol    string `json:"symbol" validate:"required"`
	Timeframe string `json:"timeframe" validate:"required,oneof=1m 5m 15m 1h 4h 1d"`
}

type BarsRequest struct {
	Symbol string `query:"symbol" json:"symbol" validate:"required"`
	TF     string `query:"tf" json:"tf" default:"1h" validate:"oneof=1m 5m 15m 1h 4h 1d"`
	From   string `query:"from" json:"from"`
	To     string `query:"to" json:"to"`
	Limit  int    `query:"limit" json:"limit" default:"500" validate:"gte=1,lte=50000"`
}
