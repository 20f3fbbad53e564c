package qemuimg

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jimyag/storagedriver/pkg/apierror"
	"golang.org/x/sys/unix"
)

// TerminateGrace SIGTERM 之后等待进程退出的时间，超时后发送 SIGKILL
const TerminateGrace = 5 * time.Second

// Process 在独立进程组中运行的外部命令
type Process struct {
	name string
	cmd  *exec.Cmd
	out  bytes.Buffer

	done chan struct{}
	once sync.Once
	err  error
}

// StartProcess 启动外部命令，子进程及其后代归属新的进程组
// ctx 结束时整个进程组会被终止
func StartProcess(ctx context.Context, name string, args ...string) (*Process, error) {
	p := &Process{
		name: name,
		cmd:  exec.Command(name, args...),
		done: make(chan struct{}),
	}
	p.cmd.Stdout = &p.out
	p.cmd.Stderr = &p.out
	p.cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := p.cmd.Start(); err != nil {
		return nil, apierror.Wrapf(apierror.ErrExternalToolFailure, err, "start %s", name)
	}

	go func() {
		err := p.cmd.Wait()
		if err != nil {
			err = apierror.Wrapf(apierror.ErrExternalToolFailure, err,
				"%s %s failed, output: %s", name, strings.Join(args, " "), strings.TrimSpace(p.out.String()))
		}
		p.err = err
		close(p.done)
	}()
	go func() {
		select {
		case <-ctx.Done():
			p.Terminate()
		case <-p.done:
		}
	}()
	return p, nil
}

// Done 进程退出后关闭
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Err 返回进程的退出错误，进程未退出时返回 nil
func (p *Process) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Wait 阻塞到进程退出
func (p *Process) Wait() error {
	<-p.done
	return p.err
}

// Terminate 向整个进程组发送 SIGTERM，宽限期后仍未退出则发送 SIGKILL
// 返回时进程已经退出
func (p *Process) Terminate() {
	p.once.Do(func() {
		pgid := p.cmd.Process.Pid
		if err := unix.Kill(-pgid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
			_ = p.cmd.Process.Kill()
		}
		select {
		case <-p.done:
		case <-time.After(TerminateGrace):
			_ = unix.Kill(-pgid, unix.SIGKILL)
		}
	})
	<-p.done
}
