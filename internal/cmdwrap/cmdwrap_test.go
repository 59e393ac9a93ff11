package cmdwrap_test

import (
	"context"
	"errors"
	"runtime"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"relay-gateway/internal/cmdwrap"
)

func collect(ch <-chan cmdwrap.Payload) []cmdwrap.Payload {
	var out []cmdwrap.Payload
	for p := range ch {
		out = append(out, p)
	}
	return out
}

var _ = Describe("Run", func() {
	var ctx context.Context

	BeforeEach(func() {
		if runtime.GOOS == "windows" {
			Skip("POSIX shell required")
		}
		ctx = context.Background()
	})

	It("should return stdout on success", func() {
		out, err := cmdwrap.Run(ctx, "echo hello")
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(Equal("hello\n"))
	})

	It("should interpret the command through the shell", func() {
		out, err := cmdwrap.Run(ctx, "printf '%s-%s' a b | tr a-z A-Z")
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(Equal("A-B"))
	})

	It("should return stderr as the error on a non-zero exit", func() {
		_, err := cmdwrap.Run(ctx, "echo boom >&2; exit 3")
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(Equal("boom"))

		var ee *cmdwrap.ExitError
		Expect(errors.As(err, &ee)).To(BeTrue())
		Expect(ee.Stderr).To(Equal("boom\n"))
	})

	It("should fall back to the exit status when stderr is empty", func() {
		_, err := cmdwrap.Run(ctx, "exit 1")
		Expect(err).To(MatchError(ContainSubstring("exit status 1")))
	})

	It("should reject output that is not valid UTF-8", func() {
		_, err := cmdwrap.Run(ctx, `printf '\377\376'`)
		Expect(err).To(MatchError(cmdwrap.ErrInvalidOutput))
	})
})

var _ = Describe("RunStream", func() {
	var ctx context.Context

	BeforeEach(func() {
		if runtime.GOOS == "windows" {
			Skip("POSIX shell required")
		}
		ctx = context.Background()
	})

	It("should stream each line then a success marker", func() {
		got := collect(cmdwrap.RunStream(ctx, "printf 'one\\ntwo\\nthree\\n'"))
		Expect(got).To(Equal([]cmdwrap.Payload{
			{Success: false, Output: "one"},
			{Success: false, Output: "two"},
			{Success: false, Output: "three"},
			{Success: true, Output: ""},
		}))
	})

	It("should emit only the success marker for silent commands", func() {
		got := collect(cmdwrap.RunStream(ctx, "true"))
		Expect(got).To(Equal([]cmdwrap.Payload{{Success: true}}))
	})

	It("should end with a failure payload on a non-zero exit", func() {
		got := collect(cmdwrap.RunStream(ctx, "echo partial; echo broken >&2; exit 2"))
		Expect(got).To(HaveLen(2))
		Expect(got[0]).To(Equal(cmdwrap.Payload{Output: "partial"}))
		Expect(got[1].Success).To(BeFalse())
		Expect(got[1].Output).To(ContainSubstring("exit status 2"))
		Expect(got[1].Output).To(ContainSubstring("broken"))
	})

	It("should close the channel when the context is cancelled", func() {
		cctx, cancel := context.WithCancel(ctx)
		ch := cmdwrap.RunStream(cctx, "while true; do echo tick; sleep 0.01; done")

		Eventually(ch).Should(Receive(Equal(cmdwrap.Payload{Output: "tick"})))
		cancel()
		Eventually(ch, 5*time.Second).Should(BeClosed())
	})
})
