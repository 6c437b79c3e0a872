// Copyright 2018 Comcast Cable Communications Management, LLC
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package log is the library-wide logging facade. The default backend is a
// zerolog console logger on stderr; embedders can switch to ECS-formatted
// output, a rotating file, or an existing logrus logger.
package log

import (
	"io"
	"os"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/sirupsen/logrus"
	"go.elastic.co/ecszerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// backend is satisfied by *logrus.Logger and by zerologBackend.
type backend interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

var current atomic.Value // of backend

func init() {
	l := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(zerolog.InfoLevel).
		With().Timestamp().Logger()
	store(zerologBackend{l: l})
}

// store keeps a pointer to the interface value so that values of
// different concrete types can share the atomic.Value.
func store(b backend) { current.Store(&b) }

func load() backend { return *current.Load().(*backend) }

type zerologBackend struct {
	l zerolog.Logger
}

func (z zerologBackend) Debugf(format string, args ...interface{}) {
	z.l.Debug().Msgf(format, args...)
}

func (z zerologBackend) Infof(format string, args ...interface{}) {
	z.l.Info().Msgf(format, args...)
}

func (z zerologBackend) Warnf(format string, args ...interface{}) {
	z.l.Warn().Msgf(format, args...)
}

func (z zerologBackend) Errorf(format string, args ...interface{}) {
	z.l.Error().Msgf(format, args...)
}

// UseWriter directs log output to w as zerolog JSON lines (not the
// console format of the default backend).
func UseWriter(w io.Writer, level zerolog.Level) {
	l := zerolog.New(w).Level(level).With().Timestamp().Logger()
	store(zerologBackend{l: l})
}

// UseECS switches to ECS-formatted JSON output on w.
func UseECS(w io.Writer, level zerolog.Level) {
	store(zerologBackend{l: ecszerolog.New(w).Level(level)})
}

// UseFile routes ECS-formatted output through a size-rotated file.
func UseFile(path string, level zerolog.Level) {
	w := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    100, // megabytes
		MaxBackups: 5,
		MaxAge:     14, // days
	}
	UseECS(w, level)
}

// UseLogrus adapts an existing logrus logger. Level control stays with
// the provided logger.
func UseLogrus(l *logrus.Logger) { store(l) }

// Debugf logs at debug level.
func Debugf(format string, args ...interface{}) { load().Debugf(format, args...) }

// Infof logs at info level.
func Infof(format string, args ...interface{}) { load().Infof(format, args...) }

// Warnf logs at warn level.
func Warnf(format string, args ...interface{}) { load().Warnf(format, args...) }

// Errorf logs at error level.
func Errorf(format string, args ...interface{}) { load().Errorf(format, args...) }
