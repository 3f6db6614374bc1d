// Copyright 2025 Lucia Authors
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

package mongostore

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/lucia-home/lucia/pkg/config"
)

const settingsCollection = "settings"

type settingDocument struct {
	Key   string `bson:"key"`
	Value string `bson:"value"`
}

// LoadOverrides reads the settings collection from the config database
// into a flat override map keyed by dotted config key. The collection
// is read once at startup; environment variables still win over it.
func (c *Client) LoadOverrides(ctx context.Context) (config.Overrides, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	coll := c.mongo.Database(c.configDB).Collection(settingsCollection)
	cur, err := coll.Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("failed to read config overrides: %w", err)
	}
	defer func() {
		_ = cur.Close(ctx)
	}()

	overrides := make(config.Overrides)
	for cur.Next(ctx) {
		var doc settingDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		if doc.Key == "" {
			continue
		}
		overrides[doc.Key] = doc.Value
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return overrides, nil
}
