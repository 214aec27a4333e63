/*
   Copyright The updatekit Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

// otaverify runs the filesystem verification stage of an update against
// a plan described in a TOML file, and ships the operator diagnostics
// that go with it.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/containerd/log"
	"github.com/docker/go-units"
	"github.com/google/uuid"
	cli "github.com/urfave/cli/v2"

	"github.com/updatekit/updatekit/core/dynpart"
	"github.com/updatekit/updatekit/core/installplan"
	"github.com/updatekit/updatekit/core/verify"
	"github.com/updatekit/updatekit/pkg/errcode"
	"github.com/updatekit/updatekit/pkg/hashcalc"
	"github.com/updatekit/updatekit/pkg/prefs"
	"github.com/updatekit/updatekit/pkg/taskloop"
)

func main() {
	app := &cli.App{
		Name:  "otaverify",
		Usage: "verify update target partitions against an install plan",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "log level (trace, debug, info, warn, error)",
				Value: "info",
			},
		},
		Before: func(c *cli.Context) error {
			return log.SetLevel(c.String("log-level"))
		},
		Commands: []*cli.Command{
			verifyCommand,
			hashCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "otaverify: %v\n", err)
		os.Exit(1)
	}
}

var verifyCommand = &cli.Command{
	Name:      "verify",
	Usage:     "run filesystem verification for a plan file",
	ArgsUsage: "PLAN.toml",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "state-db",
			Usage: "record the outcome in this prefs database",
		},
		&cli.BoolFlag{
			Name:  "snapshot-compression",
			Usage: "read dynamic targets through compressed snapshots",
		},
		&cli.DurationFlag{
			Name:  "timeout",
			Usage: "cancel verification after this long",
		},
	},
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return fmt.Errorf("expected exactly one plan file argument")
		}
		ctx := context.Background()

		runID := uuid.New().String()
		ctx = log.WithLogger(ctx, log.G(ctx).WithField("run", runID))

		plan, err := installplan.Load(c.Args().First())
		if err != nil {
			return fmt.Errorf("loading plan: %w", err)
		}

		var dynamic dynpart.Controller = dynpart.Stub{}
		if c.Bool("snapshot-compression") {
			dm, err := dynpart.NewDeviceMapper(dynpart.DeviceMapperConfig{
				SnapshotCompression: true,
			})
			if err != nil {
				return err
			}
			dynamic = dm
		}

		loop := taskloop.New()
		defer loop.Shutdown()

		verifier := verify.New(loop, dynamic, verify.WithProgress(func(p float64) {
			log.G(ctx).Debugf("verification progress %.1f%%", p*100)
		}))

		result := make(chan errcode.Code, 1)
		loop.PostTask(func() {
			verifier.Start(ctx, plan, func(code errcode.Code, _ *installplan.Plan) {
				result <- code
			})
		})

		var timeout <-chan time.Time
		if d := c.Duration("timeout"); d > 0 {
			timeout = time.After(d)
		}

		var code errcode.Code
		select {
		case code = <-result:
		case <-timeout:
			cancelled := make(chan struct{})
			loop.PostTask(func() {
				verifier.Cancel()
				close(cancelled)
			})
			<-cancelled
			return fmt.Errorf("verification timed out after %v", c.Duration("timeout"))
		}

		if path := c.String("state-db"); path != "" {
			if err := recordOutcome(path, plan.TargetSlot, code); err != nil {
				log.G(ctx).WithError(err).Warn("failed to record verification outcome")
			}
		}

		if code != errcode.Success {
			return fmt.Errorf("verification failed: %s", code)
		}
		log.G(ctx).Infof("all %d partitions verified", len(plan.Partitions))
		return nil
	},
}

func recordOutcome(path string, targetSlot uint32, code errcode.Code) error {
	store, err := prefs.Open(path)
	if err != nil {
		return err
	}
	defer store.Close()
	key := fmt.Sprintf("last-verify-result-slot-%d", targetSlot)
	if err := store.SetString(key, code.String()); err != nil {
		return err
	}
	return store.SetString(key+"-time", time.Now().UTC().Format(time.RFC3339))
}

var hashCommand = &cli.Command{
	Name:      "hash",
	Usage:     "print the SHA-256 of a byte range of a device, as the verifier would compute it",
	ArgsUsage: "DEVICE",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "size",
			Usage:    "number of bytes to hash (accepts units, e.g. 512MiB)",
			Required: true,
		},
		&cli.StringFlag{
			Name:  "offset",
			Usage: "byte offset to start from (accepts units)",
			Value: "0",
		},
	},
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return fmt.Errorf("expected exactly one device argument")
		}
		size, err := units.RAMInBytes(c.String("size"))
		if err != nil {
			return fmt.Errorf("parsing --size: %w", err)
		}
		offset, err := units.RAMInBytes(c.String("offset"))
		if err != nil {
			return fmt.Errorf("parsing --offset: %w", err)
		}

		f, err := os.Open(c.Args().First())
		if err != nil {
			return err
		}
		defer f.Close()
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return err
		}

		raw, err := hashcalc.RawHashOfReader(io.LimitReader(f, size))
		if err != nil {
			return err
		}
		fmt.Println(hex.EncodeToString(raw))
		return nil
	},
}
