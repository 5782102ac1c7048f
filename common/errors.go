// Copyright 2024 The Perch Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/perch-labs/perch/errwrap"
	log "github.com/perch-labs/perch/logger"
)

type ErrCode int

const (
	Unavailable ErrCode = iota + 2000
	ConnectionError
	ConnectionReset
	HandshakeTimeout
	HandshakeSendFailure
	HandshakeFailed
	UnsupportedVersion
	ProtocolError
	ShutdownError
)

const (
	InvalidConfiguration ErrCode = 3000
	InternalError        ErrCode = 5000
)

type PerchError struct {
	Code      ErrCode
	Msg       string
	ExtraData []byte
}

func (p PerchError) Error() string {
	return p.Msg
}

func NewPerchError(errorCode ErrCode, msg string) PerchError {
	return PerchError{Code: errorCode, Msg: msg}
}

func NewPerchErrorf(errorCode ErrCode, msgFormat string, args ...interface{}) PerchError {
	return PerchError{Code: errorCode, Msg: fmt.Sprintf(msgFormat, args...)}
}

func NewInvalidConfigurationError(msg string) PerchError {
	return NewPerchErrorf(InvalidConfiguration, "invalid configuration: %s", msg)
}

func NewInternalError(err error) PerchError {
	// With an internal error we log the original error with a reference and we only pass the reference back to the
	// client, as we don't want to expose server internals to clients
	ref := fmt.Sprintf("perch-internal-err-reference-%s", uuid.New().String())
	log.Errorf("internal error with reference %s: %v", ref, err)
	return NewPerchErrorf(InternalError, "an internal error has occurred - please search server logs for reference: %s", ref)
}

func IsPerchErrorWithCode(err error, code ErrCode) bool {
	var perr PerchError
	if errwrap.As(err, &perr) {
		return perr.Code == code
	}
	return false
}

func IsUnavailableError(err error) bool {
	return IsPerchErrorWithCode(err, Unavailable)
}

func Error(msg string) error {
	return errwrap.New(msg)
}
