// Copyright (C) 2025 sage-x-project
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

package engine

import (
	"crypto/rand"
	"encoding/hex"
)

// NewToken mints a short opaque token suitable for a nonce or a
// finalize reference. Collisions are not checked for; the caller's
// freshness/echo validation is what gives the token meaning, not its
// uniqueness in isolation.
func NewToken() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic("engine: failed to read random token bytes: " + err.Error())
	}
	return hex.EncodeToString(buf)
}
