// Copyright 2022 The linecast Authors
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

package broadcast

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/alwitt/linecast/common"
	"github.com/apex/log"
)

// PayloadSource provides the ordered line sequence being distributed.
//
// The broadcaster calls Load once per full traversal of the sequence, so the
// set of lines may change between one cycle and the next.
type PayloadSource interface {
	Load(ctxt context.Context) ([]string, error)
}

// lineFileSourceImpl implements PayloadSource over a local text file
type lineFileSourceImpl struct {
	common.Component
	path string
}

// DefineLineFileSource create new line file payload source.
//
// The file must exist and be a regular file at definition time; a server
// refusing to start on a bad source path beats one broadcasting nothing.
func DefineLineFileSource(path string) (PayloadSource, error) {
	logTags := log.Fields{
		"module": "broadcast", "component": "line-file-source", "file": path,
	}
	info, err := os.Stat(path)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Payload source not usable")
		return nil, err
	}
	if !info.Mode().IsRegular() {
		err := fmt.Errorf("payload source %s is not a regular file", path)
		log.WithError(err).WithFields(logTags).Error("Payload source not usable")
		return nil, err
	}
	return &lineFileSourceImpl{
		Component: common.Component{LogTags: logTags}, path: path,
	}, nil
}

// Load read all lines from the payload file
func (s *lineFileSourceImpl) Load(ctxt context.Context) ([]string, error) {
	content, err := os.ReadFile(s.path)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Failed to read payload source")
		return nil, err
	}
	lines := strings.Split(string(content), "\n")
	// A trailing newline does not introduce an empty final line
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	for itr, line := range lines {
		lines[itr] = strings.TrimRight(line, "\r")
	}
	log.WithFields(s.LogTags).Debugf("Read %d lines", len(lines))
	return lines, nil
}
