// SPDX-License-Identifier: Apache-2.0

package domain

import "errors"

var ErrQueueFull = errors.New("run queue is full")
var ErrRunNotFound = errors.New("run not found")
var ErrEmptyQuery = errors.New("query must not be empty")
var ErrAuthFailed = errors.New("site authentication failed")
var ErrDuplicateName = errors.New("collection name already exists")
var ErrNamingRejected = errors.New("collection name rejected by site")
var ErrScoringUnavailable = errors.New("scoring unavailable")
