package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
)

var ErrBadFormula = errors.New("invalid dice formula")

const maxDice = 1000

// DiceTerm is one signed term of a formula: NdF or a flat modifier.
type DiceTerm struct {
	Sign    int   `json:"sign"`
	Number  int   `json:"number"`
	Faces   int   `json:"faces,omitempty"`
	Results []int `json:"results,omitempty"`
}

// RollResult is an evaluated formula.
type RollResult struct {
	Formula string     `json:"formula"`
	Total   int        `json:"total"`
	Terms   []DiceTerm `json:"terms"`
}

// JSON renders the roll as the serialized roll the chat log stores.
func (r RollResult) JSON() (string, error) {
	data, err := json.Marshal(map[string]any{
		"class":     "Roll",
		"formula":   r.Formula,
		"total":     r.Total,
		"terms":     r.Terms,
		"evaluated": true,
	})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// EvaluateRoll rolls a formula of dice and flat terms such as "2d6+1d4-1".
// roll(n) must return a value in [1, n]; nil uses math/rand.
func EvaluateRoll(formula string, roll func(faces int) int) (RollResult, error) {
	if roll == nil {
		roll = func(faces int) int { return rand.IntN(faces) + 1 }
	}
	expr := strings.ToLower(strings.ReplaceAll(formula, " ", ""))
	if expr == "" {
		return RollResult{}, fmt.Errorf("%w: empty", ErrBadFormula)
	}

	res := RollResult{Formula: expr}
	dice := 0
	for expr != "" {
		sign := 1
		switch expr[0] {
		case '+':
			expr = expr[1:]
		case '-':
			sign = -1
			expr = expr[1:]
		}
		end := strings.IndexAny(expr, "+-")
		if end < 0 {
			end = len(expr)
		}
		term, err := parseTerm(expr[:end])
		if err != nil {
			return RollResult{}, fmt.Errorf("%w: '%s'", err, formula)
		}
		expr = expr[end:]

		term.Sign = sign
		if term.Faces > 0 {
			dice += term.Number
			if dice > maxDice {
				return RollResult{}, fmt.Errorf("%w: too many dice", ErrBadFormula)
			}
			sum := 0
			for range term.Number {
				v := roll(term.Faces)
				term.Results = append(term.Results, v)
				sum += v
			}
			res.Total += sign * sum
		} else {
			res.Total += sign * term.Number
		}
		res.Terms = append(res.Terms, term)
	}
	return res, nil
}

func parseTerm(s string) (DiceTerm, error) {
	if s == "" {
		return DiceTerm{}, ErrBadFormula
	}
	count, faces, isDice := strings.Cut(s, "d")
	if !isDice {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return DiceTerm{}, ErrBadFormula
		}
		return DiceTerm{Number: n}, nil
	}
	n := 1
	if count != "" {
		var err error
		if n, err = strconv.Atoi(count); err != nil || n < 1 {
			return DiceTerm{}, ErrBadFormula
		}
	}
	f, err := strconv.Atoi(faces)
	if err != nil || f < 1 {
		return DiceTerm{}, ErrBadFormula
	}
	return DiceTerm{Number: n, Faces: f}, nil
}
