package candle

import "errors"

// ErrInvalidCandle is returned when a candle lacks a required field or is
// internally inconsistent.
var ErrInvalidCandle = errors.New("invalid candle")
