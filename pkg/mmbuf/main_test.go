// Copyright (c) 2016 The OpenAFD Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package mmbuf

import (
	"testing"

	test "github.com/openafd/afd/pkg/testutil"
)

func TestMain(m *testing.M) {
	test.TestMain(m)
}
