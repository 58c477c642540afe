package main

import (
	"context"
	"fmt"
	"os"
	"time"
)

// closeTimeout bounds the final telemetry flush.
const closeTimeout = 5 * time.Second

func main() {
	err := newRootCmd().Execute()

	if openCLI != nil {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		if closeErr := openCLI.Close(ctx); closeErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: shutdown: %v\n", closeErr)
		}

		cancel()
	}

	if err != nil {
		exitOnError(err)
	}
}
