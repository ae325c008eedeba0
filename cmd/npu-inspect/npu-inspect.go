// Copyright The NPU Drivers Authors. All Rights Reserved.
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

package main

import (
	"flag"
	"net/http"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"sigs.k8s.io/yaml"

	"github.com/npu-drivers/npucore/pkg/corelock"
	"github.com/npu-drivers/npucore/pkg/devinfo"
	"github.com/npu-drivers/npucore/pkg/devmem"
	"github.com/npu-drivers/npucore/pkg/metrics"
	"github.com/npu-drivers/npucore/pkg/metrics/collectors"
	"github.com/npu-drivers/npucore/pkg/version"
)

var (
	log     *logrus.Logger
	verbose bool
)

// inspector drives one simulated device built from a capability table.
type inspector struct {
	arch  *devinfo.Arch
	alloc *devmem.Allocator
	locks *corelock.CoreLock
	usage *collectors.MemUsage
}

func newInspector(arch *devinfo.Arch) (*inspector, error) {
	i := &inspector{
		arch:  arch,
		usage: collectors.NewMemUsage(),
	}

	var err error

	i.alloc, err = devmem.NewAllocator(
		devmem.WithArch(arch),
		devmem.WithTelemetry(i.usage),
	)
	if err != nil {
		return nil, err
	}

	i.locks, err = corelock.New(arch, corelock.DefaultConfig(), nil)
	if err != nil {
		return nil, err
	}

	metrics.MustRegister("usage", i.usage, metrics.WithGroup("devmem"))
	metrics.MustRegister("poolset", collectors.NewPoolSet(i.alloc), metrics.WithGroup("devmem"))
	metrics.MustRegister("corelock", collectors.NewCoreLock(i.locks), metrics.WithGroup("corelock"))

	return i, nil
}

// dumpLayout prints the pool layout of the device.
func (i *inspector) dumpLayout() {
	log.Infof("architecture %s: %d cores, %d DRAM channels x %d regions",
		i.arch.Name, i.arch.CoreCount, i.arch.DramChannels, i.arch.DramRegions)

	if verbose {
		dump("device", "capabilities", i.arch)
	}

	for ch := uint32(0); ch < i.arch.DramChannels; ch++ {
		for r := uint32(0); r < i.arch.DramRegions; r++ {
			base, _ := i.arch.RegionBase(ch, r)
			log.Infof("  channel %d region %d: base %#x, size %d", ch, r, base, i.arch.RegionSize())
		}
	}
}

// exercise runs a short scripted allocation and core locking sequence
// so that the metrics endpoint has something to show.
func (i *inspector) exercise() error {
	pid := os.Getpid()
	i.alloc.AttachProcess(pid)

	var chunks []*devmem.Chunk
	for _, req := range []*devmem.Request{
		{Size: 1 << 20, Kind: devmem.KindDevice, Category: devmem.CategoryWeights,
			Lifetime: devmem.LifetimeCurrentProcess, Pid: pid},
		{Size: 64 << 10, Kind: devmem.KindDevice, Channel: i.arch.DramChannels - 1,
			Category: devmem.CategoryTensors, Lifetime: devmem.LifetimeLocal, Pid: pid},
		{Size: 4 << 10, Kind: devmem.KindHost, Category: devmem.CategoryDmaRings,
			Lifetime: devmem.LifetimeDevice, Pid: pid},
	} {
		c, err := i.alloc.Alloc(req)
		if err != nil {
			return err
		}
		h, err := i.alloc.RegisterHandle(c)
		if err != nil {
			return err
		}
		log.Infof("allocated %s, handle %d", c, h)
		chunks = append(chunks, c)
	}

	count := int(i.arch.CoreCount)
	mask, maxRun, err := i.locks.RangeMark(count, 0, count-1, pid)
	if err != nil {
		log.Errorf("core reservation failed (largest free run %d): %v", maxRun, err)
	} else {
		log.Infof("reserved cores %s", mask)
		i.locks.RangeUnmark(mask, pid)
	}

	for _, c := range chunks {
		if err := i.alloc.Free(c); err != nil {
			return err
		}
	}

	i.alloc.FreeExpired(devmem.LifetimeLocal, pid)
	i.alloc.DetachProcess(pid)
	i.locks.ReleaseProcess(pid)

	return nil
}

// Dump one or more objects, with an optional global prefix and per-object tags.
func dump(args ...interface{}) {
	var (
		prefix string
		idx    int
	)

	if len(args)&0x1 == 1 {
		prefix = args[0].(string)
		idx++
	}

	for ; idx < len(args)-1; idx += 2 {
		tag, obj := args[idx], args[idx+1]
		msg, err := yaml.Marshal(obj)
		if err != nil {
			log.Infof("%s: %s: failed to dump object: %v", prefix, tag, err)
			continue
		}

		if prefix != "" {
			log.Infof("%s: %s:", prefix, tag)
			for _, line := range strings.Split(strings.TrimSpace(string(msg)), "\n") {
				log.Infof("%s:    %s", prefix, line)
			}
		} else {
			log.Infof("%s:", tag)
			for _, line := range strings.Split(strings.TrimSpace(string(msg)), "\n") {
				log.Infof("  %s", line)
			}
		}
	}
}

func main() {
	var (
		archName    string
		profilePath string
		metricsAddr string
		doExercise  bool
		arch        *devinfo.Arch
		err         error
	)

	log = logrus.StandardLogger()
	log.SetFormatter(&logrus.TextFormatter{
		PadLevelText: true,
	})

	flag.StringVar(&archName, "arch", "trn1", "name of a built-in device architecture")
	flag.StringVar(&profilePath, "profile", "", "YAML device profile to load instead of -arch")
	flag.StringVar(&metricsAddr, "metrics", "", "address to serve prometheus metrics on (empty: don't)")
	flag.BoolVar(&doExercise, "exercise", false, "run a scripted allocation exercise")
	flag.BoolVar(&verbose, "verbose", false, "enable (more) verbose logging")
	flag.Parse()

	log.Infof("npu-inspect %s (build %s)", version.Version, version.Build)

	if profilePath != "" {
		arch, err = devinfo.LoadProfile(profilePath)
	} else {
		var ok bool
		if arch, ok = devinfo.Lookup(archName); !ok {
			log.Fatalf("unknown architecture %q, known ones are %s",
				archName, strings.Join(devinfo.Names(), ", "))
		}
	}
	if err != nil {
		log.Fatalf("failed to load device profile: %v", err)
	}

	i, err := newInspector(arch)
	if err != nil {
		log.Fatalf("failed to set up device: %v", err)
	}

	i.dumpLayout()

	if doExercise {
		if err := i.exercise(); err != nil {
			log.Fatalf("allocation exercise failed: %v", err)
		}
	}

	if metricsAddr != "" {
		g, err := metrics.NewGatherer(metrics.WithMetrics([]string{"*"}, nil))
		if err != nil {
			log.Fatalf("failed to create metrics gatherer: %v", err)
		}

		http.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
		log.Infof("serving metrics on %s", metricsAddr)
		log.Fatal(http.ListenAndServe(metricsAddr, nil))
	}
}
