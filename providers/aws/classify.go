// Copyright 2025 The Coral Authors
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

package aws

import (
	"errors"

	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"

	"github.com/coral-run/coral/errdefs"
)

// classify maps an SDK failure onto the shared taxonomy. Errors it
// does not recognize pass through unchanged so callers can wrap them
// with operation-specific types.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var aerr awserr.Error
	if !errors.As(err, &aerr) {
		return err
	}
	switch aerr.Code() {
	case "UnrecognizedClientException",
		"InvalidSignatureException",
		"AccessDeniedException",
		"AccessDenied",
		"ExpiredTokenException",
		"UnauthorizedOperation",
		"InvalidClientTokenId":
		return &errdefs.AuthError{Op: op, Err: err}
	case "ThrottlingException",
		"Throttling",
		"TooManyRequestsException",
		"RequestLimitExceeded",
		"LimitExceededException":
		return &errdefs.QuotaError{Op: op, Err: err}
	case request.ErrCodeSerialization,
		request.ErrCodeRequestError,
		request.ErrCodeResponseTimeout:
		return &errdefs.TransientError{Op: op, Err: err}
	}
	var rf awserr.RequestFailure
	if errors.As(err, &rf) {
		switch {
		case rf.StatusCode() == 429:
			return &errdefs.QuotaError{Op: op, Err: err}
		case rf.StatusCode() >= 500:
			return &errdefs.TransientError{Op: op, Err: err}
		}
	}
	return err
}

func isCode(err error, codes ...string) bool {
	var aerr awserr.Error
	if !errors.As(err, &aerr) {
		return false
	}
	for _, code := range codes {
		if aerr.Code() == code {
			return true
		}
	}
	return false
}

func isConflict(err error) bool {
	var rf awserr.RequestFailure
	if errors.As(err, &rf) && rf.StatusCode() == 409 {
		return true
	}
	return isCode(err, "ResourceConflictException")
}
