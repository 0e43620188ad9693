// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package internal

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"
)

// Singleton log writer. Writes to stdout, and optionally to a file.
// Does not add prefixes, or force newlines. Safe for concurrent use.

var logMutex sync.Mutex

// The optional additional file to log into
var logFile *bufio.Writer
var logFileOS *os.File

var logStdout io.Writer = os.Stdout

// Enables logging to file, closing any previous log file
func LogAlsoToFile(fileName string) (err error) {
	logMutex.Lock()
	defer logMutex.Unlock()
	if err = closeLogFile(); err != nil {
		return err
	}
	f, err := os.OpenFile(fileName, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
	if err != nil {
		return err
	}
	logFileOS, logFile = f, bufio.NewWriter(f)
	return nil
}

func closeLogFile() error {
	if logFile == nil {
		return nil
	}
	err := logFile.Flush()
	if cerr := logFileOS.Close(); err == nil {
		err = cerr
	}
	logFile, logFileOS = nil, nil
	return err
}

func LogPrint(args ...interface{}) (n int, err error) {
	return logWrite(func(w io.Writer) (int, error) { return fmt.Fprint(w, args...) })
}

func LogPrintln(args ...interface{}) (n int, err error) {
	return logWrite(func(w io.Writer) (int, error) { return fmt.Fprintln(w, args...) })
}

func LogPrintf(format string, args ...interface{}) (n int, err error) {
	return logWrite(func(w io.Writer) (int, error) { return fmt.Fprintf(w, format, args...) })
}

func logWrite(f func(w io.Writer) (int, error)) (n int, err error) {
	logMutex.Lock()
	defer logMutex.Unlock()
	n, err = f(logStdout)
	if err != nil || logFile == nil {
		return n, err
	}
	return f(logFile)
}

func LogFatal(args ...interface{}) {
	LogPrintln(args...)
	logMutex.Lock()
	closeLogFile()
	os.Exit(1)
}

func LogFatalf(format string, args ...interface{}) {
	LogPrintf(format, args...)
	logMutex.Lock()
	closeLogFile()
	os.Exit(1)
}

func LogSync() {
	logMutex.Lock()
	defer logMutex.Unlock()
	if logFile != nil {
		logFile.Flush()
		logFileOS.Sync()
	}
}

type logWriter struct{}

func (logWriter) Write(p []byte) (int, error) {
	return logWrite(func(w io.Writer) (int, error) { return w.Write(p) })
}

// Returns an io.Writer into the log, for components which take a writer
func LogWriter() io.Writer { return logWriter{} }
