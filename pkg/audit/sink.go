// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"io"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// NewSink returns the audit sink for the given configuration. An empty file
// path writes newline-delimited JSON to stdout; otherwise a size-rotated
// file is used. The rotation policy is opaque to the recorder.
func NewSink(file string, maxSizeMB, backupCount int) io.WriteCloser {
	if file == "" {
		return nopCloser{os.Stdout}
	}
	return &lumberjack.Logger{
		Filename:   file,
		MaxSize:    maxSizeMB,
		MaxBackups: backupCount,
		Compress:   true,
	}
}

// nopCloser wraps stdout so the recorder's Close does not close the process
// stdout.
type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }
