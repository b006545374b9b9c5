package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"

	"procbridge/message"
)

// demoService is registered on the router: method Echo serves "echo",
// Add serves "add".
type demoService struct{}

// Echo returns the request body unchanged.
func (demoService) Echo(body message.Body) (message.Body, error) {
	return body, nil
}

// Add sums body["elements"] and returns {"result": sum}. Integer inputs are
// summed exactly at any size; any fractional input makes the sum a float.
func (demoService) Add(body message.Body) (message.Body, error) {
	raw, ok := body["elements"]
	if !ok {
		return nil, errors.New("missing elements")
	}
	elements, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("elements must be an array, got %T", raw)
	}

	isInt := true
	intSum := new(big.Int)
	sum := new(big.Float)
	for i, e := range elements {
		text, ok := numberText(e)
		if !ok {
			return nil, fmt.Errorf("elements[%d] is not a number", i)
		}
		if n, ok := new(big.Int).SetString(text, 10); ok && isInt {
			intSum.Add(intSum, n)
			continue
		}
		f, _, err := big.ParseFloat(text, 10, 64, big.ToNearestEven)
		if err != nil {
			return nil, fmt.Errorf("elements[%d]: %w", i, err)
		}
		if isInt {
			isInt = false
			sum.SetInt(intSum)
		}
		sum.Add(sum, f)
	}

	if isInt {
		return message.Body{"result": json.Number(intSum.String())}, nil
	}
	result, _ := sum.Float64()
	return message.Body{"result": result}, nil
}

// numberText returns the decimal text of a decoded JSON number.
func numberText(v any) (string, bool) {
	switch n := v.(type) {
	case json.Number:
		return n.String(), true
	case float64:
		return strconv.FormatFloat(n, 'g', -1, 64), true
	case int:
		return fmt.Sprint(n), true
	default:
		return "", false
	}
}
