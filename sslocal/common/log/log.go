/*
 * Copyright (c) 2026, Psiphon Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

// Package log adds caller context to the underlying logging package.
package log

import (
	"io"
	"runtime"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// ContextLogger adds context logging functionality to the underlying
// logging package.
type ContextLogger struct {
	*logrus.Logger
}

// Fields is an alias for the field struct in the underlying logging
// package.
type Fields logrus.Fields

var contextLogger = &ContextLogger{logrus.New()}

// Init configures the package logger. When verbose is set, debug level
// logs are emitted; otherwise the level is info. Logs are written to
// output as text lines.
func Init(output io.Writer, verbose bool) {
	logger := logrus.New()
	logger.SetOutput(output)
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}
	contextLogger = &ContextLogger{logger}
}

// WithContext adds a "context" field containing the caller's function name
// and source file line number. Use this function when the log has no
// fields.
func WithContext() *logrus.Entry {
	return contextLogger.WithFields(
		logrus.Fields{
			"context": getParentContext(),
		})
}

// WithContextFields adds a "context" field containing the caller's
// function name and source file line number. Use this function when the
// log has fields. Note that any existing "context" field will be renamed
// to "fields.context".
func WithContextFields(fields Fields) *logrus.Entry {
	_, ok := fields["context"]
	if ok {
		fields["fields.context"] = fields["context"]
	}
	fields["context"] = getParentContext()
	return contextLogger.WithFields(logrus.Fields(fields))
}

// IsDebugLevel indicates whether debug logs will be emitted.
func IsDebugLevel() bool {
	return contextLogger.IsLevelEnabled(logrus.DebugLevel)
}

func getParentContext() string {
	pc, _, line, _ := runtime.Caller(2)
	funcName := runtime.FuncForPC(pc).Name()
	index := strings.LastIndex(funcName, "/")
	if index != -1 {
		funcName = funcName[index+1:]
	}
	return funcName + "#" + strconv.Itoa(line)
}
