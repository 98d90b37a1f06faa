package backend

import (
	"os"
	"os/exec"

	"github.com/rs/zerolog/log"

	"cyber-agent-runner/internal/protocol"
)

// startStreaming starts cmd with stdout and stderr combined into one
// pipe, feeds that stream through the protocol scanner into the handle,
// and returns a channel closed once the process is reaped and the result
// resolved. The handle's input function is wired to the child's stdin.
func startStreaming(h *Handle, cmd *exec.Cmd) (<-chan struct{}, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, execErr(h.ID, "stdin pipe", err)
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, execErr(h.ID, "output pipe", err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, execErr(h.ID, "start", err)
	}
	// The child holds the write end now; closing ours lets the read loop
	// see EOF when the child exits.
	pw.Close()
	h.PID = cmd.Process.Pid

	h.inputFn = func(text string) error {
		frame, err := protocol.EncodeHITL(protocol.HITLCommand{
			Type:    protocol.HITLSubmitFeedback,
			Content: text,
		})
		if err != nil {
			return err
		}
		if _, err := stdin.Write(frame); err != nil {
			return execErr(h.ID, "user input", err)
		}
		return nil
	}

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		scanner := protocol.NewScanner()
		buf := make([]byte, 4096)
		for {
			n, err := pr.Read(buf)
			if n > 0 {
				for _, ev := range scanner.Feed(buf[:n]) {
					h.emit(ev)
				}
			}
			if err != nil {
				break
			}
		}
		for _, ev := range scanner.Flush() {
			h.emit(ev)
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		err := cmd.Wait()
		<-drained
		pr.Close()
		stdin.Close()

		res := Result{}
		switch {
		case h.stopRequested():
			res.Stopped = true
			res.ExitCode = cmd.ProcessState.ExitCode()
		case err == nil:
			res.Success = true
		default:
			res.ExitCode = cmd.ProcessState.ExitCode()
			res.Err = execErr(h.ID, "execution", err)
		}

		log.Info().Str("execution", h.ID).Int("exit_code", res.ExitCode).
			Bool("success", res.Success).Bool("stopped", res.Stopped).
			Msg("execution finished")
		h.resolve(res)
	}()

	return done, nil
}
