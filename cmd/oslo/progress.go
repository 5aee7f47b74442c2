package main

import (
	"os"

	"github.com/schollz/progressbar/v3"
)

// shardProgress renders rank 0's plan application on stderr.
func shardProgress() func(done, total int) {
	var bar *progressbar.ProgressBar
	return func(done, total int) {
		if bar == nil {
			bar = progressbar.NewOptions(total,
				progressbar.OptionSetDescription("sharding"),
				progressbar.OptionSetItsString("tensors"),
				progressbar.OptionSetWriter(os.Stderr),
				progressbar.OptionClearOnFinish(),
			)
		}
		_ = bar.Set(done)
	}
}
