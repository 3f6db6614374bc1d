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

// Package mongostore hosts the MongoDB-backed facilities that sit off
// the request path: startup configuration overrides and the async
// trace writer. Mongo being down never blocks request handling.
package mongostore

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
)

const defaultOpTimeout = 5 * time.Second

// Client wraps the driver client with the database names Lucia uses.
type Client struct {
	mongo    *mongo.Client
	configDB string
	tracesDB string
	timeout  time.Duration
}

// Connect dials Mongo and verifies the connection.
func Connect(ctx context.Context, uri, configDB, tracesDB string) (*Client, error) {
	if uri == "" {
		return nil, errors.New("mongo uri is required")
	}
	mc, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, defaultOpTimeout)
	defer cancel()
	if err := mc.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = mc.Disconnect(context.Background())
		return nil, err
	}

	return &Client{
		mongo:    mc,
		configDB: configDB,
		tracesDB: tracesDB,
		timeout:  defaultOpTimeout,
	}, nil
}

// Ping reports connection health.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.mongo.Ping(ctx, readpref.Primary())
}

// Close disconnects the underlying client.
func (c *Client) Close(ctx context.Context) error {
	return c.mongo.Disconnect(ctx)
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}
