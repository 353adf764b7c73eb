package jobtier_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/VsevolodSauta/jobtier"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// fakeRunner records invocations and returns a canned result.
type fakeRunner struct {
	name     string
	args     []string
	stdout   string
	stderr   string
	exitCode int
	err      error
	onRun    func(args []string)
}

func (r *fakeRunner) Run(name string, args ...string) ([]byte, []byte, int, error) {
	r.name = name
	r.args = args
	if r.onRun != nil {
		r.onRun(args)
	}
	return []byte(r.stdout), []byte(r.stderr), r.exitCode, r.err
}

var _ = Describe("Engines", func() {
	var ctx context.Context
	var workspace string

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		workspace, err = os.MkdirTemp("", "jobtier_engine_*")
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(os.RemoveAll, workspace)
	})

	Describe("ArtifactNames", func() {
		It("should derive result and log names from the input", func() {
			result, log := jobtier.ArtifactNames("/jobs/U1/J1/J1~sample.vcf")
			Expect(result).To(Equal("J1~sample.annot.vcf"))
			Expect(log).To(Equal("J1~sample.log"))
		})
	})

	Describe("ProcessEngine", func() {
		jc := jobtier.JobContext{JobID: "J1", UserID: "U1", UserRole: jobtier.RoleFree, SubmitTime: 1000, Workspace: "/jobs/U1/J1"}

		It("should pass the job context as flags and the input last", func() {
			runner := &fakeRunner{}
			engine := &jobtier.ProcessEngine{
				Command: []string{"/usr/bin/jobtier", "annotate", "--backend", "postgres"},
				Runner:  runner,
				Logger:  testLogger(),
			}

			outcome, err := engine.Run(ctx, "/jobs/U1/J1/a.vcf", jc)
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome.Success()).To(BeTrue())
			Expect(runner.name).To(Equal("/usr/bin/jobtier"))
			Expect(runner.args).To(Equal([]string{
				"annotate", "--backend", "postgres",
				"--job-id", "J1",
				"--user-id", "U1",
				"--submit-time", "1000",
				"--role", jobtier.RoleFree,
				"--workspace", "/jobs/U1/J1",
				"/jobs/U1/J1/a.vcf",
			}))
		})

		It("should judge the run by its exit code alone", func() {
			runner := &fakeRunner{exitCode: 2, stdout: "all good", stderr: "boom"}
			engine := &jobtier.ProcessEngine{Command: []string{"jobtier"}, Runner: runner, Logger: testLogger()}

			outcome, err := engine.Run(ctx, "a.vcf", jc)
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome.Success()).To(BeFalse())
			Expect(outcome.ExitCode).To(Equal(2))
			Expect(outcome.Stderr).To(Equal("boom"))
		})

		It("should report a command that cannot start", func() {
			runner := &fakeRunner{exitCode: -1, err: errors.New("not found")}
			engine := &jobtier.ProcessEngine{Command: []string{"missing"}, Runner: runner, Logger: testLogger()}

			_, err := engine.Run(ctx, "a.vcf", jc)
			Expect(err).To(MatchError(ContainSubstring("not found")))
		})

		It("should reject an empty command", func() {
			engine := &jobtier.ProcessEngine{Runner: &fakeRunner{}, Logger: testLogger()}
			_, err := engine.Run(ctx, "a.vcf", jc)
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("CommandAnnotator", func() {
		It("should run the tool with the input path last", func() {
			runner := &fakeRunner{}
			annotator := &jobtier.CommandAnnotator{Command: []string{"python", "run.py"}, Runner: runner}

			Expect(annotator.Annotate(ctx, "/w/a.vcf", "/w")).To(Succeed())
			Expect(runner.name).To(Equal("python"))
			Expect(runner.args).To(Equal([]string{"run.py", "/w/a.vcf"}))
		})

		It("should fail on a non-zero exit", func() {
			runner := &fakeRunner{exitCode: 1, stderr: "bad input"}
			annotator := &jobtier.CommandAnnotator{Command: []string{"python", "run.py"}, Runner: runner}

			err := annotator.Annotate(ctx, "/w/a.vcf", "/w")
			Expect(err).To(MatchError(ContainSubstring("bad input")))
		})
	})

	Describe("LocalEngine", func() {
		var (
			store     *jobtier.InMemoryBackend
			blobs     *jobtier.MemoryBlobStore
			finalizer *jobtier.Finalizer
			jc        jobtier.JobContext
			input     string
		)

		BeforeEach(func() {
			store = jobtier.NewInMemoryBackend()
			blobs = jobtier.NewMemoryBlobStore()
			finalizer = jobtier.NewFinalizer(store, blobs, nil, jobtier.FinalizeConfig{
				OperatorNamespace: testNamespace,
				ResultsBucket:     resultsBucket,
			}, testLogger())
			mustCreate(ctx, store, newRecord("J1", "U1", 1000, jobtier.JobStatusRunning))
			jc = jobtier.JobContext{JobID: "J1", UserID: "U1", UserRole: jobtier.RoleFree, SubmitTime: 1000, Workspace: workspace}
			input = filepath.Join(workspace, "a.vcf")
			Expect(os.WriteFile(input, []byte("1\t100\t.\tA\tG\n"), 0o644)).To(Succeed())
		})

		It("should annotate with the passthrough annotator and complete the job", func() {
			engine := &jobtier.LocalEngine{Annotator: jobtier.PassthroughAnnotator{}, Finalizer: finalizer}

			outcome, err := engine.Run(ctx, input, jc)
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome.Success()).To(BeTrue())

			result, err := blobs.Get(ctx, resultsBucket, "ns/U1/a.annot.vcf")
			Expect(err).NotTo(HaveOccurred())
			Expect(strings.HasSuffix(string(result), "1\t100\t.\tA\tG\n")).To(BeTrue())
			Expect(blobs.Exists(resultsBucket, "ns/U1/a.log")).To(BeTrue())
			Expect(mustGet(ctx, store, jc.Key()).JobStatus).To(Equal(jobtier.JobStatusCompleted))
		})

		It("should report a failing annotator as a non-zero exit", func() {
			annotator := &jobtier.CommandAnnotator{Command: []string{"tool"}, Runner: &fakeRunner{exitCode: 4, stderr: "crash"}}
			engine := &jobtier.LocalEngine{Annotator: annotator, Finalizer: finalizer}

			outcome, err := engine.Run(ctx, input, jc)
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome.Success()).To(BeFalse())
			Expect(outcome.Stderr).To(ContainSubstring("crash"))
			Expect(mustGet(ctx, store, jc.Key()).JobStatus).To(Equal(jobtier.JobStatusRunning))
		})

		It("should fail when the tool writes no artifacts", func() {
			annotator := &jobtier.CommandAnnotator{Command: []string{"tool"}, Runner: &fakeRunner{}}
			err := jobtier.RunAnnotation(ctx, annotator, finalizer, input, jc)
			Expect(err).To(MatchError(jobtier.ErrMissingArtifacts))
		})
	})
})
