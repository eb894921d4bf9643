package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	goruntime "runtime"
	"time"

	"github.com/sbl8/ensemble/core"
	"github.com/sbl8/ensemble/device"
	"github.com/sbl8/ensemble/kernels"
	"github.com/sbl8/ensemble/messaging"
	"github.com/sbl8/ensemble/model"
	"github.com/sbl8/ensemble/runtime"
)

var (
	testType = flag.String("test", "all", "Test type: all, scan, sort, scatter, pbm")
	size     = flag.Int("size", 1<<20, "Items per operation")
	iter     = flag.Int("iter", 50, "Number of iterations")
	workers  = flag.Int("workers", goruntime.NumCPU(), "Kernel launch width")
	verbose  = flag.Bool("verbose", false, "Verbose output")
)

var particleSchema = core.MustSchema(
	core.Scalar("id", core.KindUint32),
	core.Scalar("x", core.KindFloat32),
	core.Scalar("y", core.KindFloat32),
	core.Array("payload", core.KindFloat32, 4),
)

func main() {
	flag.Parse()

	fmt.Printf("Ensemble Performance Analysis Tool\n")
	fmt.Printf("==================================\n")
	fmt.Printf("Go Version: %s\n", goruntime.Version())
	fmt.Printf("OS/Arch: %s/%s\n", goruntime.GOOS, goruntime.GOARCH)
	fmt.Printf("CPUs: %d\n", goruntime.NumCPU())
	fmt.Printf("Workers: %d\n", *workers)
	fmt.Printf("Test Size: %d items\n", *size)
	fmt.Printf("Iterations: %d\n", *iter)
	fmt.Printf("\n")

	dev := device.New(device.WithWorkers(*workers))
	eng := runtime.NewEngine(dev, 0, nil)
	defer eng.Close()

	switch *testType {
	case "all":
		runScanTests()
		runSortTests()
		runScatterTests(eng)
		runPBMTests(eng)
	case "scan":
		runScanTests()
	case "sort":
		runSortTests()
	case "scatter":
		runScatterTests(eng)
	case "pbm":
		runPBMTests(eng)
	default:
		fmt.Printf("Unknown test type: %s\n", *testType)
		os.Exit(1)
	}

	if *verbose {
		fmt.Printf("Device peak: %d bytes over %d allocations\n", dev.Peak(), dev.Allocations())
		for p := runtime.ArenaScratch; p <= runtime.ArenaReduce; p++ {
			if r := eng.Arena().Region(p); r.Size > 0 {
				fmt.Printf("  arena %-14s %10d bytes, %d grows\n", p, r.Size, r.Grows)
			}
		}
	}
}

func itemsPerSecond(d time.Duration) float64 {
	return float64(*size) * float64(*iter) / d.Seconds()
}

func report(name string, d time.Duration) {
	fmt.Printf("%-28s %v (%.2f Mitems/s)\n", name+":", d, itemsPerSecond(d)/1e6)
}

func runScanTests() {
	fmt.Printf("Exclusive Scan Performance\n")
	fmt.Printf("--------------------------\n")

	flags := make([]uint32, *size)
	for i := range flags {
		flags[i] = uint32(rand.Intn(2))
	}
	dst := make([]uint32, *size+1)
	temp := make([]byte, kernels.ScanTempSize(*workers))

	start := time.Now()
	for i := 0; i < *iter; i++ {
		kernels.ExclusiveScan(temp, dst, *size, *workers, func(i int) uint32 { return flags[i] })
	}
	report("Exclusive scan", time.Since(start))
	fmt.Printf("\n")
}

func runSortTests() {
	fmt.Printf("Radix Sort Performance\n")
	fmt.Printf("----------------------\n")

	n := *size
	src := make([]uint32, n)
	for i := range src {
		src[i] = rand.Uint32() & 0xffff
	}
	keys, vals := make([]uint32, n), make([]uint32, n)
	keysAlt, valsAlt := make([]uint32, n), make([]uint32, n)
	temp := make([]byte, kernels.SortTempSize(*workers))

	var total time.Duration
	for i := 0; i < *iter; i++ {
		copy(keys, src)
		for j := range vals {
			vals[j] = uint32(j)
		}
		start := time.Now()
		kernels.SortPairs(temp, keys, vals, keysAlt, valsAlt, n, 16, *workers)
		total += time.Since(start)
	}
	report("Sort pairs (16-bit keys)", total)
	fmt.Printf("\n")
}

func newSet(s *core.Schema, slots int) core.BufferSet {
	set := make(core.BufferSet, s.Len())
	for _, v := range s.Variables() {
		set[v.Name] = make([]byte, slots*v.Stride())
	}
	return set
}

func runScatterTests(eng *runtime.Engine) {
	fmt.Printf("Scatter Performance\n")
	fmt.Printf("-------------------\n")

	in := newSet(particleSchema, *size)
	out := newSet(particleSchema, *size)

	var total time.Duration
	for i := 0; i < *iter; i++ {
		flags, err := eng.ScanFlags(runtime.AgentDeath, *size)
		if err != nil {
			log.Fatalf("ScanFlags failed: %v", err)
		}
		for j := range flags {
			if rand.Intn(10) == 0 {
				flags[j] = 1
			}
		}
		start := time.Now()
		if _, err := eng.Scatter(runtime.AgentDeath, particleSchema, in, out, *size, runtime.WithInvert()); err != nil {
			log.Fatalf("Scatter failed: %v", err)
		}
		total += time.Since(start)
	}
	report("Death compaction (10%)", total)

	start := time.Now()
	for i := 0; i < *iter; i++ {
		if _, err := eng.ScatterAll(particleSchema, in, out, *size); err != nil {
			log.Fatalf("ScatterAll failed: %v", err)
		}
	}
	report("Scatter all", time.Since(start))
	fmt.Printf("\n")
}

func runPBMTests(eng *runtime.Engine) {
	fmt.Printf("Spatial Index Build Performance\n")
	fmt.Printf("-------------------------------\n")

	in := newSet(particleSchema, *size)
	out := newSet(particleSchema, *size)
	xs := core.View[float32](in["x"])
	ys := core.View[float32](in["y"])
	for i := range xs {
		xs[i] = rand.Float32() * 1000
		ys[i] = rand.Float32() * 1000
	}

	for _, radius := range []float32{50, 10, 2} {
		idx, err := messaging.NewSpatialIndex(model.Spatial2D(0, 0, 1000, 1000, radius), particleSchema)
		if err != nil {
			log.Fatalf("NewSpatialIndex failed: %v", err)
		}
		start := time.Now()
		for i := 0; i < *iter; i++ {
			if err := idx.Build(eng, in, out, *size); err != nil {
				log.Fatalf("Build failed: %v", err)
			}
		}
		report(fmt.Sprintf("PBM build %d bins", idx.TotalBins()), time.Since(start))
		idx.Release()
	}
	fmt.Printf("\n")
}
