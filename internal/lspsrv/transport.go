// Copyright 2021 Upbound Inc
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package lspsrv

import (
	"os"

	"github.com/crossplane/crossplane-runtime/pkg/errors"
)

// StdRWC is a read-write-closer on stdio, the JSON-RPC transport editors use
// when they launch vulnera-lsp as a subprocess via `vulnera-lsp serve`.
type StdRWC struct{}

// Read reads from stdin.
func (StdRWC) Read(p []byte) (int, error) {
	return os.Stdin.Read(p)
}

// Write writes to stdout.
func (StdRWC) Write(p []byte) (int, error) {
	return os.Stdout.Write(p)
}

// Close closes both stdin and stdout, even if closing stdin fails, so a
// disconnect never leaks the stdout half of the pipe; both errors are
// wrapped and returned together when present.
func (StdRWC) Close() error {
	inErr := os.Stdin.Close()
	outErr := os.Stdout.Close()
	if inErr != nil && outErr != nil {
		return errors.Wrap(outErr, inErr.Error())
	}
	if inErr != nil {
		return inErr
	}
	return outErr
}
