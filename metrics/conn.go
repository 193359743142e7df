// Copyright 2018 Jigsaw Operations LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import (
	"io"

	"github.com/outline-multiuser/ssrelay/onet"
)

// MeasureConn wraps conn so every byte read increments *readCount and
// every byte written increments *writeCount, letting the relay core fill
// in a ProxyMetrics without the handler tracking counts itself.
func MeasureConn(conn onet.DuplexConn, writeCount, readCount *int64) onet.DuplexConn {
	r := &countingReader{r: conn, count: readCount}
	w := &countingWriter{w: conn, count: writeCount}
	return onet.WrapConn(conn, r, w)
}

type countingReader struct {
	r     io.Reader
	count *int64
}

func (r *countingReader) Read(b []byte) (int, error) {
	n, err := r.r.Read(b)
	*r.count += int64(n)
	return n, err
}

type countingWriter struct {
	w     io.Writer
	count *int64
}

func (w *countingWriter) Write(b []byte) (int, error) {
	n, err := w.w.Write(b)
	*w.count += int64(n)
	return n, err
}
