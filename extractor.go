// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package extractqueue

import (
	"context"

	"github.com/pkg/errors"
)

// Extractor fetches the observations described by a task.
// It is registered in the Manager.
type Extractor func(ctx context.Context, t Task) (Result, error)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }
func (e *permanentError) Cause() error  { return e.err }

// Permanent marks err as not worth retrying, e.g. an unknown station.
// The Manager fails such tasks for good.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

func defaultRetryIf(err error) bool {
	return !IsPermanent(err)
}
