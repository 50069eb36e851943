package nn

import (
	"fmt"
	"strings"
)

// Mode selects training or evaluation behaviour for BatchNorm and Dropout.
// The zero value is Eval.
type Mode int

const (
	Eval Mode = iota
	Train
)

func (m Mode) String() string {
	switch m {
	case Eval:
		return "eval"
	case Train:
		return "train"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode accepts "train"/"training" and "eval"/"evaluation"/"inference".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "train", "training":
		return Train, nil
	case "eval", "evaluation", "inference", "":
		return Eval, nil
	default:
		return Eval, fmt.Errorf("nn: unknown mode %q (want train or eval)", s)
	}
}
