package machine

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/pombredanne/ducky/internal/cpu"
	"github.com/pombredanne/ducky/internal/log"
)

// Budget bounds a Run call, per spec.md §5's "the outer loop honors a
// configurable instruction budget and a wall-clock budget; exceeding
// either halts with a Timeout exit code." Zero means unbounded.
type Budget struct {
	Instructions uint64
	WallClock    time.Duration
}

// Run executes the machine's cooperative scheduling loop (spec.md §4.7
// step 5): round-robin one Step per core until every core is halted, the
// budget is exceeded, or a core signals a machine-wide halt. It mirrors the
// teacher's LC3.Run (internal/vm/exec.go) generalized from one core to
// many, with devices ticking once per completed round instead of the
// teacher's single-goroutine display/keyboard side channel.
//
// The returned int is the process exit code spec.md §6.E assigns: 0 normal
// halt, non-zero the code passed to HLT, or -1 on a double fault (no
// handler installed for a delivered IRQ) reported as err wrapping
// ErrInvariantViolation. A budget timeout returns (0, ErrTimeout).
func (m *Machine) Run(ctx context.Context, budget Budget) (int, error) {
	m.log.Info("START", log.String("CORES", strconv.Itoa(len(m.Cores))))

	if budget.WallClock > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, budget.WallClock)
		defer cancel()
	}

	for _, t := range m.terminals {
		go t.Run(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return 0, ErrTimeout
			}

			return 0, ctx.Err()
		default:
		}

		if budget.Instructions > 0 && m.Clock >= budget.Instructions {
			return 0, ErrTimeout
		}

		allHalted := true

		for _, c := range m.Cores {
			if err := c.Step(); err != nil {
				var halt *cpu.MachineHalt
				if errors.As(err, &halt) {
					if halt.Code < 0 {
						return -1, errors.Join(ErrInvariantViolation, err)
					}

					return halt.Code, nil
				}

				return -1, err
			}

			if !c.Halted() {
				allHalted = false
			}
		}

		if allHalted {
			m.log.Info("HALTED (all cores)")
			return 0, nil
		}

		m.Clock++

		for _, t := range m.tickers {
			t.Tick(m.Clock)
		}
	}
}
