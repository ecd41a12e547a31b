/*
 * Copyright (c) 2015, Psiphon Inc.
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

package psiphon

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	rotate "github.com/Psiphon-Inc/rotate-safe-writer"
	"github.com/Psiphon-Labs/psiphon-client-core/psiphon/common"
	"github.com/Psiphon-Labs/psiphon-client-core/psiphon/common/errors"
	"github.com/sirupsen/logrus"
)

type noticeLoggerState struct {
	mutex      sync.Mutex
	logger     *logrus.Logger
	noticeFile *rotate.RotatableFileWriter
}

var noticeLogger = &noticeLoggerState{
	logger: newNoticeLogrusLogger(os.Stderr),
}

var noticeLogDiagnostics = int32(0)

func newNoticeLogrusLogger(output io.Writer) *logrus.Logger {
	return &logrus.Logger{
		Out:       output,
		Formatter: &noticeJSONFormatter{},
		Hooks:     make(logrus.LevelHooks),
		Level:     logrus.DebugLevel,
	}
}

// SetEmitDiagnosticNotices toggles whether diagnostic notices
// are emitted. Diagnostic notices contain potentially sensitive
// circumvention network information; only enable this in environments
// where notices are handled securely (for example, don't include these
// notices in log files which users could post to public forums).
func SetEmitDiagnosticNotices(enable bool) {
	if enable {
		atomic.StoreInt32(&noticeLogDiagnostics, 1)
	} else {
		atomic.StoreInt32(&noticeLogDiagnostics, 0)
	}
}

// GetEmitDiagnosticNotices returns the current state
// of emitting diagnostic notices.
func GetEmitDiagnosticNotices() bool {
	return atomic.LoadInt32(&noticeLogDiagnostics) == 1
}

// SetNoticeWriter sets a target writer to receive notices. By default,
// notices are written to stderr. Any notice file opened by SetNoticeFile is
// closed.
//
// Notices are encoded in JSON. Here's an example:
//
// {"data":{"message":"worker exited"},"noticeType":"Info","showUser":false,"timestamp":"2015-01-28T17:35:13Z"}
//
// All notices have the following fields:
// - "noticeType": the type of notice, which indicates the meaning of the notice along with what's in the data payload.
// - "data": additional structured data payload. For example, the "ListeningSocksProxyPort" notice type has a "port" integer
// data in its payload.
// - "showUser": whether the information should be displayed to the user.
// - "timestamp": UTC timezone, RFC3339 format timestamp for notice event
func SetNoticeWriter(writer io.Writer) {
	noticeLogger.mutex.Lock()
	defer noticeLogger.mutex.Unlock()

	if noticeLogger.noticeFile != nil {
		noticeLogger.noticeFile.Close()
		noticeLogger.noticeFile = nil
	}
	noticeLogger.logger = newNoticeLogrusLogger(writer)
}

// SetNoticeFile directs notices to the named file. The file is opened with a
// rotatable writer; call ReopenNoticeFile after an external log rotation.
func SetNoticeFile(filename string) error {

	noticeFile, err := rotate.NewRotatableFileWriter(filename, 1, true, 0600)
	if err != nil {
		return errors.Trace(err)
	}

	noticeLogger.mutex.Lock()
	defer noticeLogger.mutex.Unlock()

	if noticeLogger.noticeFile != nil {
		noticeLogger.noticeFile.Close()
	}
	noticeLogger.noticeFile = noticeFile
	noticeLogger.logger = newNoticeLogrusLogger(noticeFile)

	return nil
}

// ReopenNoticeFile reopens the notice file set by SetNoticeFile. It is a
// no-op when notices are not written to a file.
func ReopenNoticeFile() error {
	noticeLogger.mutex.Lock()
	defer noticeLogger.mutex.Unlock()

	if noticeLogger.noticeFile == nil {
		return nil
	}
	return errors.Trace(noticeLogger.noticeFile.Reopen())
}

const (
	noticeIsDiagnostic = 1
	noticeShowUser     = 2

	noticeShowUserField = "notice.showUser"
)

// noticeJSONFormatter is a logrus.Formatter which emits the notice envelope.
// The logrus entry message is the notice type and the entry fields are the
// data payload; the standard "msg", "level" and "time" fields are omitted.
type noticeJSONFormatter struct {
}

// Format implements logrus.Formatter.
func (f *noticeJSONFormatter) Format(entry *logrus.Entry) ([]byte, error) {

	showUser := false
	data := make(map[string]interface{}, len(entry.Data))
	for k, v := range entry.Data {
		if k == noticeShowUserField {
			showUser, _ = v.(bool)
			continue
		}
		switch v := v.(type) {
		case error:
			// Otherwise errors are ignored by `encoding/json`
			data[k] = v.Error()
		default:
			data[k] = v
		}
	}

	obj := map[string]interface{}{
		"noticeType": entry.Message,
		"showUser":   showUser,
		"data":       data,
		"timestamp":  entry.Time.UTC().Format(time.RFC3339),
	}

	serialized, err := json.Marshal(obj)
	if err != nil {
		return nil, errors.Tracef("failed to marshal notice: %v", err)
	}

	return append(serialized, '\n'), nil
}

// outputNotice encodes a notice in JSON and writes it to the output writer.
func outputNotice(noticeType string, noticeFlags uint32, args ...interface{}) {

	if (noticeFlags&noticeIsDiagnostic != 0) && !GetEmitDiagnosticNotices() {
		return
	}

	fields := make(logrus.Fields)
	fields[noticeShowUserField] = (noticeFlags&noticeShowUser != 0)
	for i := 0; i < len(args)-1; i += 2 {
		name, ok := args[i].(string)
		value := args[i+1]
		if ok {
			fields[name] = value
		}
	}

	noticeLogger.mutex.Lock()
	defer noticeLogger.mutex.Unlock()

	entry := noticeLogger.logger.WithFields(fields)
	entry.Time = time.Now()
	entry.Log(logrus.InfoLevel, noticeType)
}

// NoticeInfo is an informational message
func NoticeInfo(format string, args ...interface{}) {
	outputNotice("Info", noticeIsDiagnostic, "message", fmt.Sprintf(format, args...))
}

// NoticeWarning is a warning message; typically a recoverable error condition
func NoticeWarning(format string, args ...interface{}) {
	outputNotice("Warning", noticeIsDiagnostic, "message", fmt.Sprintf(format, args...))
}

// NoticeError is an error message; typically an unrecoverable error condition
func NoticeError(format string, args ...interface{}) {
	outputNotice("Error", noticeIsDiagnostic,
		"message", fmt.Sprintf(format, args...),
		"context", errors.ParentContext())
}

// NoticeConnectionManagerState reports each connection manager state
// transition.
func NoticeConnectionManagerState(state ConnectionManagerState) {
	outputNotice("ConnectionManagerState", 0, "state", state.String())
}

// NoticeConnectingServer reports parameters of a server connection attempt
func NoticeConnectingServer(ipAddress, region, transport string) {
	outputNotice("ConnectingServer", noticeIsDiagnostic,
		"ipAddress", ipAddress,
		"region", region,
		"transport", transport)
}

// NoticeActiveTransport reports that a transport strategy is connected
func NoticeActiveTransport(ipAddress, transport string) {
	outputNotice("ActiveTransport", noticeIsDiagnostic,
		"ipAddress", ipAddress,
		"transport", transport)
}

// NoticeListeningSocksProxyPort is the selected port for the listening local SOCKS proxy
func NoticeListeningSocksProxyPort(port int) {
	outputNotice("ListeningSocksProxyPort", 0, "port", port)
}

// NoticeListeningHttpProxyPort is the selected port for the listening local HTTP proxy
func NoticeListeningHttpProxyPort(port int) {
	outputNotice("ListeningHttpProxyPort", 0, "port", port)
}

// NoticeLocalProxyError reports a local proxy error message.
func NoticeLocalProxyError(proxyType string, err error) {
	outputNotice("LocalProxyError", noticeIsDiagnostic,
		"proxyType", proxyType,
		"message", err.Error())
}

// NoticeClientUpgradeAvailable is an available client upgrade, as per the handshake. The
// client should download and install an upgrade.
func NoticeClientUpgradeAvailable(version string) {
	outputNotice("ClientUpgradeAvailable", 0, "version", version)
}

// NoticeClientUpgradeInstalled indicates that a client upgrade has replaced
// the executable and the new version is being launched.
func NoticeClientUpgradeInstalled(filename string) {
	outputNotice("ClientUpgradeInstalled", 0, "filename", filename)
}

// NoticeHomepage is a sponsor homepage, as per the handshake. The client
// should display the sponsor's homepage.
func NoticeHomepage(url string) {
	outputNotice("Homepage", noticeShowUser, "url", url)
}

// NoticeServerEntriesDiscovered reports how many new server entries a
// handshake added to the server directory.
func NoticeServerEntriesDiscovered(count int) {
	outputNotice("ServerEntriesDiscovered", 0, "count", count)
}

// NoticeBuildInfo reports build version info.
func NoticeBuildInfo() {
	outputNotice("BuildInfo", 0, "buildInfo", common.GetBuildInfo().ToMap())
}

// NoticeExiting indicates that the client is exiting
func NoticeExiting() {
	outputNotice("Exiting", 0)
}

type noticeObject struct {
	NoticeType string          `json:"noticeType"`
	Data       json.RawMessage `json:"data"`
	ShowUser   bool            `json:"showUser"`
	Timestamp  string          `json:"timestamp"`
}

// GetNotice receives a JSON encoded object and attempts to parse it as a Notice.
// The type is returned as a string and the payload as a generic map.
func GetNotice(notice []byte) (
	noticeType string, payload map[string]interface{}, err error) {

	var object noticeObject
	err = json.Unmarshal(notice, &object)
	if err != nil {
		return "", nil, errors.Trace(err)
	}
	err = json.Unmarshal(object.Data, &payload)
	if err != nil {
		return "", nil, errors.Trace(err)
	}
	return object.NoticeType, payload, nil
}

// NoticeReceiver consumes a notice input stream and invokes a callback function
// for each discrete JSON notice object byte sequence.
type NoticeReceiver struct {
	mutex    sync.Mutex
	buffer   []byte
	callback func([]byte)
}

// NewNoticeReceiver initializes a new NoticeReceiver
func NewNoticeReceiver(callback func([]byte)) *NoticeReceiver {
	return &NoticeReceiver{callback: callback}
}

// Write implements io.Writer.
func (receiver *NoticeReceiver) Write(p []byte) (n int, err error) {
	receiver.mutex.Lock()
	defer receiver.mutex.Unlock()

	receiver.buffer = append(receiver.buffer, p...)

	for {
		index := bytes.IndexByte(receiver.buffer, '\n')
		if index == -1 {
			break
		}
		notice := receiver.buffer[:index]
		receiver.buffer = receiver.buffer[index+1:]
		receiver.callback(notice)
	}

	return len(p), nil
}

// NewNoticeConsoleRewriter consumes JSON-format notice input and parses each
// notice and rewrites in a more human-readable format more suitable for
// console output. The data payload field is left as JSON.
func NewNoticeConsoleRewriter(writer io.Writer) *NoticeReceiver {
	return NewNoticeReceiver(func(notice []byte) {
		var object noticeObject
		_ = json.Unmarshal(notice, &object)
		fmt.Fprintf(
			writer,
			"%s %s %s\n",
			object.Timestamp,
			object.NoticeType,
			string(object.Data))
	})
}
