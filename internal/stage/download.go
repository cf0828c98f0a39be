package stage

import (
	"context"
	"errors"

	"github.com/lucasnoah/servicefactory/internal/pipeline"
	"github.com/lucasnoah/servicefactory/internal/workspace"
)

// Download lays out the workspace and clones the repository into source/.
// A clone failure leaves an empty source directory and the run continues.
type Download struct{ d *Deps }

func (n *Download) Name() string { return pipeline.StageDownload }

func (n *Download) Run(ctx context.Context, s *pipeline.State) Outcome {
	log := n.d.Log.With(n.Name())
	if s.Repository.URL == "" {
		s.Fail(n.Name(), pipeline.KindInvalidInput, "Missing repository.url")
		return Outcome{}
	}
	if s.Repository.Name == "" {
		s.Repository.Name = pipeline.RepoName(s.Repository.URL)
	}
	if err := pipeline.ValidateRepoName(s.Repository.Name); err != nil {
		s.Fail(n.Name(), pipeline.KindInvalidInput, err.Error())
		return Outcome{}
	}

	paths, err := n.d.Workspace.Prepare(s.Repository.Name)
	if err != nil {
		s.Fail(n.Name(), pipeline.KindInvalidInput, err.Error())
		return Outcome{}
	}
	s.Repository.Paths = paths

	if workspace.HasSource(paths) {
		log.Infof("source already present: %s", paths.SourceRoot)
	} else {
		log.Infof("cloning %s", s.Repository.URL)
		if err := n.d.Workspace.Clone(ctx, s.Repository.URL, paths); err != nil {
			kind := pipeline.KindCloneFailed
			var ce *workspace.CloneError
			if errors.As(err, &ce) {
				kind = ce.Kind
			}
			log.Warnf("clone failed: %v", err)
			s.AddError(n.Name(), kind, pipeline.SeverityMedium, pipeline.ActionContinueWithEmpty, err.Error())
			s.Warnf(kind, "git clone failed: %v", err)
		}
	}

	s.MarkRunning()
	return Outcome{}
}
