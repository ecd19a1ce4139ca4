package evidence

import (
	"context"
	"os"
	"time"

	"github.com/apex/log"

	"github.com/antonioclim/netENwsl-sub003/challenge"
	"github.com/antonioclim/netENwsl-sub003/fault"
)

// Collector builds Evidence for a challenge. The zero value is usable; nil
// hooks fall back to the os package and time.Now.
type Collector struct {
	Logger       log.Interface
	Probes       []ProbeSpec
	ProbeTimeout time.Duration
	RunProbes    bool

	Now    func() time.Time
	Getenv func(string) string
	Stat   func(string) (os.FileInfo, error)
}

func (c *Collector) logger() log.Interface {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Log
}

// Collect hashes the artifacts named by paths (relative to baseDir),
// fingerprints the environment and, when enabled, runs the probes.
func (c *Collector) Collect(ctx context.Context, ch *challenge.Challenge, baseDir string, paths []string) (*Evidence, error) {
	if len(paths) == 0 {
		return nil, fault.New(fault.KindConfiguration, "LAB-EVID-005", "no artifacts given")
	}
	logger := c.logger().WithField("student", ch.StudentID).WithField("week", ch.Week)

	files, order, err := expand(baseDir, paths)
	if err != nil {
		return nil, err
	}
	ev := &Evidence{Artifacts: make([]Artifact, 0, len(order))}
	for _, rel := range order {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		a, err := HashFile(files[rel])
		if err != nil {
			return nil, err
		}
		a.Path = rel
		logger.WithField("path", rel).WithField("size", a.SizeBytes).Debug("artifact hashed")
		ev.Artifacts = append(ev.Artifacts, a)
	}

	cid, err := ch.CID()
	if err != nil {
		return nil, err
	}
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	ev.Meta = Meta{
		SchemaVersion: SchemaVersion,
		StudentID:     ch.StudentID,
		CourseID:      ch.CourseID,
		Week:          ch.Week,
		ChallengeID:   ch.ChallengeID,
		ChallengeCID:  cid,
		CollectedAt:   now().UTC().Truncate(time.Second),
		Tool:          Tool,
	}

	salt, err := FingerprintSalt(ch.Integrity.SHA256, ch.ChallengeID)
	if err != nil {
		return nil, err
	}
	desc := Detect(c.Getenv, c.Stat)
	fp, err := Fingerprint(salt, desc)
	if err != nil {
		return nil, err
	}
	ev.Environment = Environment{FingerprintHash: fp, Descriptors: desc.Names()}

	if c.RunProbes {
		specs := c.Probes
		if specs == nil {
			specs = DefaultProbes
		}
		for _, ps := range specs {
			p := RunProbe(ctx, ps, c.ProbeTimeout)
			logger.WithField("probe", p.Name).WithField("exit", p.ExitCode).WithField("timed_out", p.TimedOut).Debug("probe finished")
			ev.Probes = append(ev.Probes, p)
		}
	}
	logger.WithField("artifacts", len(ev.Artifacts)).Info("evidence collected")
	return ev, nil
}
