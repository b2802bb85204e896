// The test is skipped when stdin is not a terminal (ErrNoTTY). Notably, this includes when run with
// "go test" because it redirects tests' standard input/output streams. You can test it by building
// a test binary and running it directly:
//
//	$ go test -c && ./tty.test
package tty_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/pombredanne/ducky/internal/tty"
)

func TestRawConsole(t *testing.T) {
	console, err := tty.NewRawConsole(os.Stdin)
	if errors.Is(err, tty.ErrNoTTY) {
		t.Skipf("error: %s", err)
	} else if err != nil {
		t.Fatalf("NewRawConsole: %v", err)
	}

	defer console.Restore()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	var pushed []byte

	done := make(chan struct{})

	go func() {
		defer close(done)
		console.Run(ctx, func(b byte) { pushed = append(pushed, b) })
	}()

	<-ctx.Done()
	<-done
}
