// Command wasmgen writes the order book aggregation module served to the
// metrics kernel and to browsers under /wasm/.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"cryptoterm/internal/kernel"
)

func main() {
	out := flag.String("out", "web/orderbook.wasm", "Output path of the module")
	flag.Parse()

	if err := write(*out); err != nil {
		fmt.Fprintf(os.Stderr, "wasmgen: %v\n", err)
		os.Exit(1)
	}
}

func write(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	module := kernel.OrderbookModule()
	if err := os.WriteFile(path, module, 0o644); err != nil {
		return fmt.Errorf("write module: %w", err)
	}
	fmt.Printf("wrote %s (%d bytes)\n", path, len(module))
	return nil
}
