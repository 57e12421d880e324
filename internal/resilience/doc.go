// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package resilience provides recovery and rollback patterns.
//
// # Overview
//
// This package implements transaction-like rollback (Saga) for
// multi-step operations whose partial results must not survive a
// failure, such as duplicating a project: stop, copy, render, register
// either all happen or all unwind.
//
// # Example
//
//	saga := resilience.NewSaga(resilience.DefaultSagaConfig())
//	saga.AddStep(resilience.SagaStep{
//	    Name:       "copy tree",
//	    Execute:    func(ctx context.Context) error { return copyTree(src, dst) },
//	    Compensate: func(ctx context.Context) error { return os.RemoveAll(dst) },
//	})
//	if err := saga.Execute(ctx); err != nil {
//	    // completed steps were compensated in reverse order
//	}
//
// # Thread Safety
//
// All types in this package are safe for concurrent use.
package resilience
