package main

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"github.com/sbl8/ensemble/core"
	"github.com/sbl8/ensemble/kernels"
	"github.com/sbl8/ensemble/logging"
	"github.com/sbl8/ensemble/messaging"
	"github.com/sbl8/ensemble/model"
	"github.com/sbl8/ensemble/runtime"
)

var (
	agentSchema = core.MustSchema(
		core.Scalar("id", core.KindUint32),
		core.Scalar("x", core.KindFloat32),
		core.Scalar("y", core.KindFloat32),
		core.Scalar("vx", core.KindFloat32),
		core.Scalar("vy", core.KindFloat32),
		core.Scalar("energy", core.KindFloat32).WithDefault(core.Bytes[float32](initialEnergy)),
	)
	locationSchema = agentSchema.Without("vx", "vy", "energy")
	densitySchema  = core.MustSchema(
		core.Scalar(model.IndexVariable, core.KindUint32),
		core.Scalar("count", core.KindFloat32),
	)
)

const (
	initialEnergy = 10
	birthEnergy   = 16
	stepCost      = 1
	neighbourGain = 0.4
	maxGain       = 4
)

type runConfig struct {
	agents int
	steps  int
	width  float32
	radius float32
	seed   int64
}

// report summarises one stream's run.
type report struct {
	stream     int
	population int
	births     int
	deaths     int
	immigrants int
	maxDensity float64
	meanEnergy float64
}

// ensemble is one independent population simulated on its own stream.
type ensemble struct {
	cfg    runConfig
	eng    *runtime.Engine
	log    logging.Logger
	layout core.PackingLayout
	rng    *rand.Rand

	agents    *core.StateList
	locations *core.StateList
	children  core.BufferSet
	spatial   *messaging.SpatialIndex

	density    *messaging.ArrayIndex
	densityIn  core.BufferSet
	densityOut core.BufferSet

	nextID uint32
	report report
}

func newEnsemble(eng *runtime.Engine, cfg runConfig, layout core.PackingLayout, log logging.Logger) (*ensemble, error) {
	capacity := 2 * cfg.agents
	agents, err := core.NewStateList(agentSchema, eng.Device(), capacity)
	if err != nil {
		return nil, fmt.Errorf("agents: %w", err)
	}
	locations, err := core.NewStateList(locationSchema, eng.Device(), capacity)
	if err != nil {
		agents.Release()
		return nil, fmt.Errorf("locations: %w", err)
	}
	spatial, err := messaging.NewSpatialIndex(model.Spatial2D(0, 0, cfg.width, cfg.width, cfg.radius), locationSchema)
	if err != nil {
		agents.Release()
		locations.Release()
		return nil, err
	}
	density, err := messaging.NewArrayIndex(model.Array1D(spatial.TotalBins()))
	if err != nil {
		agents.Release()
		locations.Release()
		return nil, err
	}

	x := &ensemble{
		cfg:        cfg,
		eng:        eng,
		log:        log,
		layout:     layout,
		rng:        rand.New(rand.NewSource(cfg.seed)),
		agents:     agents,
		locations:  locations,
		children:   hostBuffers(agentSchema, capacity),
		spatial:    spatial,
		density:    density,
		densityIn:  hostBuffers(densitySchema, density.Length()),
		densityOut: hostBuffers(densitySchema, density.Length()),
		report:     report{stream: eng.StreamID()},
	}
	if err := x.immigrate(cfg.agents); err != nil {
		x.release()
		return nil, err
	}
	return x, nil
}

func hostBuffers(s *core.Schema, slots int) core.BufferSet {
	set := make(core.BufferSet, s.Len())
	for _, v := range s.Variables() {
		set[v.Name] = make([]byte, slots*v.Stride())
	}
	return set
}

func (x *ensemble) release() {
	x.spatial.Release()
	x.locations.Release()
	x.agents.Release()
}

// immigrate appends n default-initialised agents at random positions.
func (x *ensemble) immigrate(n int) error {
	count := x.agents.Count()
	n = min(n, x.agents.Capacity()-count)
	if n <= 0 {
		return nil
	}
	if err := x.eng.BroadcastInit(agentSchema, x.agents.Front, n, count); err != nil {
		return err
	}
	ids := core.View[uint32](x.agents.Front["id"])
	xs := core.View[float32](x.agents.Front["x"])
	ys := core.View[float32](x.agents.Front["y"])
	vxs := core.View[float32](x.agents.Front["vx"])
	vys := core.View[float32](x.agents.Front["vy"])
	for i := count; i < count+n; i++ {
		ids[i] = x.nextID
		x.nextID++
		xs[i] = x.rng.Float32() * x.cfg.width
		ys[i] = x.rng.Float32() * x.cfg.width
		vxs[i] = x.rng.Float32() - 0.5
		vys[i] = x.rng.Float32() - 0.5
	}
	x.agents.SetCount(count + n)
	x.report.immigrants += n
	return nil
}

func (x *ensemble) run(ctx context.Context) (report, error) {
	defer x.release()
	for step := 0; step < x.cfg.steps; step++ {
		if err := ctx.Err(); err != nil {
			return x.report, err
		}
		if err := x.step(); err != nil {
			return x.report, fmt.Errorf("stream %d step %d: %w", x.eng.StreamID(), step, err)
		}
		x.log.Debug("step complete", "stream", x.eng.StreamID(), "step", step, "population", x.agents.Count())
	}
	return x.report, x.summarise()
}

func (x *ensemble) step() error {
	n := x.agents.Count()

	// Publish one location message per agent and bin them.
	if _, err := x.eng.ScatterAll(locationSchema, x.agents.Front, x.locations.Front, n); err != nil {
		return err
	}
	x.locations.SetCount(n)
	if err := x.spatial.BuildList(x.eng, x.locations); err != nil {
		return err
	}
	if err := x.publishDensity(); err != nil {
		return err
	}

	deathFlags, err := x.eng.ScanFlags(runtime.AgentDeath, n)
	if err != nil {
		return err
	}
	birthFlags, err := x.eng.ScanFlags(runtime.AgentBirth, n)
	if err != nil {
		return err
	}
	x.interact(n, deathFlags, birthFlags)

	// Parents are copied out before death compaction reorders the list.
	births, err := x.eng.Scatter(runtime.AgentBirth, agentSchema, x.agents.Front, x.children, n)
	if err != nil {
		return err
	}
	survivors, err := x.eng.Scatter(runtime.AgentDeath, agentSchema, x.agents.Front, x.agents.Back, n, runtime.WithInvert())
	if err != nil {
		return err
	}
	x.agents.Swap()
	x.agents.SetCount(survivors)
	x.report.deaths += n - survivors

	if err := x.spawn(births); err != nil {
		return err
	}
	if x.agents.Count() < x.cfg.agents/4 {
		return x.immigrate(x.cfg.agents/4 - x.agents.Count())
	}
	return nil
}

// interact moves every agent, charges its energy and feeds it per nearby
// message. Starved agents are flagged for death, well-fed ones for birth.
func (x *ensemble) interact(n int, deathFlags, birthFlags []uint32) {
	front := x.agents.Front
	xs := core.View[float32](front["x"])
	ys := core.View[float32](front["y"])
	vxs := core.View[float32](front["vx"])
	vys := core.View[float32](front["vy"])
	energy := core.View[float32](front["energy"])
	mxs := core.View[float32](x.locations.Front["x"])
	mys := core.View[float32](x.locations.Front["y"])
	r2 := x.cfg.radius * x.cfg.radius

	kernels.ForEach(n, x.eng.Workers(), func(i int) {
		pos := [3]float32{xs[i], ys[i]}
		near := -1 // the agent's own message
		var cx, cy float32
		x.spatial.Neighbours(pos, func(slot int) bool {
			dx, dy := mxs[slot]-pos[0], mys[slot]-pos[1]
			if dx*dx+dy*dy <= r2 {
				near++
				cx += dx
				cy += dy
			}
			return true
		})
		if near > 0 {
			vxs[i] = 0.9*vxs[i] + 0.1*cx/float32(near)
			vys[i] = 0.9*vys[i] + 0.1*cy/float32(near)
		}
		xs[i] = wrap(xs[i]+vxs[i], x.cfg.width)
		ys[i] = wrap(ys[i]+vys[i], x.cfg.width)
		energy[i] += min(float32(near)*neighbourGain, maxGain) - stepCost

		switch {
		case energy[i] <= 0:
			deathFlags[i] = 1
		case energy[i] >= birthEnergy:
			energy[i] /= 2
			birthFlags[i] = 1
		}
	})
}

func wrap(v, width float32) float32 {
	v = float32(math.Mod(float64(v), float64(width)))
	if v < 0 {
		v += width
	}
	return v
}

// spawn packs one child per copied parent and appends them to the list.
func (x *ensemble) spawn(births int) error {
	count := x.agents.Count()
	births = min(births, x.agents.Capacity()-count)
	if births <= 0 {
		return nil
	}
	packed := make([]byte, births*x.layout.Size)
	ids := core.View[uint32](x.children["id"])
	xs := core.View[float32](x.children["x"])
	vxs := core.View[float32](x.children["vx"])
	vys := core.View[float32](x.children["vy"])
	for i := 0; i < births; i++ {
		ids[i] = x.nextID
		x.nextID++
		xs[i] = wrap(xs[i]+x.cfg.radius/2, x.cfg.width)
		vxs[i], vys[i] = -vxs[i], -vys[i]
		for _, v := range agentSchema.Variables() {
			x.layout.Put(packed, i, v.Name, x.children.Slot(v, i))
		}
	}
	if err := x.eng.ScatterNewAgents(agentSchema, x.agents.Front, packed, x.layout, births, count); err != nil {
		return err
	}
	x.agents.SetCount(count + births)
	x.report.births += births
	return nil
}

// publishDensity posts one array message per occupied bin holding its
// message count and places them by bin.
func (x *ensemble) publishDensity() error {
	index := core.View[uint32](x.densityIn[model.IndexVariable])
	counts := core.View[float32](x.densityIn["count"])
	m := 0
	for bin := 0; bin < x.spatial.TotalBins(); bin++ {
		start, end := x.spatial.Bin(bin)
		if end > start {
			index[m] = uint32(bin)
			counts[m] = float32(end - start)
			m++
		}
	}
	clear(x.densityOut["count"])
	if err := x.density.Reorder(x.eng, densitySchema, x.densityIn, x.densityOut, m, nil); err != nil {
		return err
	}
	peak, err := x.eng.Max(densitySchema, x.densityOut, "count", x.density.Length())
	if err != nil {
		return err
	}
	x.report.maxDensity = math.Max(x.report.maxDensity, peak)
	return nil
}

func (x *ensemble) summarise() error {
	n := x.agents.Count()
	x.report.population = n
	if n == 0 {
		return nil
	}
	total, err := x.eng.Sum(agentSchema, x.agents.Front, "energy", n)
	if err != nil {
		return err
	}
	x.report.meanEnergy = total / float64(n)
	return nil
}
