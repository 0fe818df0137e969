package cacheutils

import "github.com/pkg/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

// InvalidSpanError is the error returned when a span index passed to a SparseSpanArray does not map to a live span
var InvalidSpanError error = errors.New("index does not map to an allocated span")
