package main

// repograph program
// This reads every snapshot manifest in a backup repository and writes a
// graph file (graphviz dot format) showing the snapshot chain together with
// the sources and volumes each snapshot references.

import (
	"fmt"
	"os"

	"github.com/emicklei/dot"

	"github.com/okhlybov/rockup/backup"

	"github.com/perforce/p4prometheus/version"
	"github.com/sirupsen/logrus"
	"gopkg.in/alecthomas/kingpin.v2"
)

type repoGraphOptions struct {
	backupDir string
	graphFile string
}

// buildGraph renders the snapshot chain: one node per manifest linked in id
// order, fanning out to the sources it records and from there to the volumes
// holding their stream bytes.
func buildGraph(p *backup.Project, logger *logrus.Logger) (*dot.Graph, error) {
	ids, err := p.ManifestIDs()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no snapshots found")
	}
	g := dot.NewGraph(dot.Directed)
	volNodes := make(map[string]dot.Node)
	var prev *dot.Node
	for _, id := range ids {
		info, err := p.Describe(id)
		if err != nil {
			logger.Warnf("Skipping unreadable manifest %s: %v", id, err)
			continue
		}
		mNode := g.Node(fmt.Sprintf("Snapshot: %s\n%s", info.ID, info.Mtime.Format("2006-01-02 15:04:05")))
		if prev != nil {
			g.Edge(*prev, mNode)
		}
		for _, src := range info.Sources {
			sNode := g.Node(fmt.Sprintf("Source: %s\n%s", src.ID, src.Root))
			g.Edge(mNode, sNode, fmt.Sprintf("%d files", src.Files))
			for vol, streams := range src.Volumes {
				vNode, ok := volNodes[vol]
				if !ok {
					vNode = g.Node(fmt.Sprintf("Volume: %s", vol))
					volNodes[vol] = vNode
				}
				g.Edge(sNode, vNode, fmt.Sprintf("%d streams", streams))
			}
		}
		prev = &mNode
	}
	return g, nil
}

func main() {
	var (
		backupDir = kingpin.Arg(
			"backupdir",
			"Backup repository directory to graph.",
		).Required().String()
		graphFile = kingpin.Flag(
			"graphfile",
			"Graphviz dot file to output snapshot/volume structure to.",
		).Default("repo.dot").String()
		debug = kingpin.Flag(
			"debug",
			"Enable debugging level.",
		).Short('d').Int()
	)
	kingpin.UsageTemplate(kingpin.CompactUsageTemplate).Version(version.Print("repograph")).Author("Oleg Khlybov")
	kingpin.CommandLine.Help = "Graphs the snapshot/source/volume structure of a rockup repository\n"
	kingpin.HelpFlag.Short('h')
	kingpin.Parse()

	logger := logrus.New()
	logger.Level = logrus.InfoLevel
	if *debug > 0 {
		logger.Level = logrus.DebugLevel
	}
	logger.Infof("%v", version.Print("repograph"))

	opts := repoGraphOptions{backupDir: *backupDir, graphFile: *graphFile}

	p, err := backup.NewProject(logger, opts.backupDir, nil)
	if err != nil {
		logger.Errorf("error opening repository: %v", err)
		os.Exit(-1)
	}
	g, err := buildGraph(p, logger)
	if err != nil {
		logger.Errorf("error graphing repository: %v", err)
		os.Exit(-1)
	}
	f, err := os.OpenFile(opts.graphFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		logger.Errorf("error writing %s: %v", opts.graphFile, err)
		os.Exit(-1)
	}
	defer f.Close()
	f.Write([]byte(g.String()))
	logger.Infof("Output file: %s", opts.graphFile)
}
