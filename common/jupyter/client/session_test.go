package client_test

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/scusemua/remote-notebook/common/jupyter"
	"github.com/scusemua/remote-notebook/common/jupyter/api"
	"github.com/scusemua/remote-notebook/common/jupyter/client"
	"github.com/scusemua/remote-notebook/common/jupyter/messaging"
	"github.com/scusemua/remote-notebook/testing/fake_jupyter"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("KernelSession", func() {
	var (
		srv     *fake_jupyter.Server
		conn    *jupyter.ServerConnection
		kernels *api.KernelManager
		ctx     context.Context
	)

	BeforeEach(func() {
		srv = fake_jupyter.NewServer("test-token")
		conn = srv.Connection()
		kernels = api.NewKernelManager(api.NewClient(conn))
		ctx = context.Background()
	})

	AfterEach(func() {
		srv.Close()
	})

	startSession := func() *client.KernelSession {
		kernel, err := kernels.StartKernel(ctx, "python3")
		Expect(err).To(BeNil())

		session := client.NewKernelSession(conn, kernel.ID)
		Expect(session.Connect(ctx)).To(BeNil())

		return session
	}

	It("Should connect idempotently", func() {
		session := startSession()
		defer func() { _ = session.Close() }()

		Expect(session.Connected()).To(BeTrue())
		Expect(session.Connect(ctx)).To(BeNil())
		Expect(session.Connected()).To(BeTrue())
	})

	It("Should refuse to execute before connecting", func() {
		kernel, err := kernels.StartKernel(ctx, "python3")
		Expect(err).To(BeNil())

		session := client.NewKernelSession(conn, kernel.ID)

		_, err = session.ExecuteCode(ctx, "1+1", nil)
		Expect(errors.Is(err, jupyter.ErrNotConnected)).To(BeTrue())
	})

	It("Should execute code and capture the reply", func() {
		srv.Script("1+1", func(ch *fake_jupyter.KernelChannel, req *messaging.Message, count int) {
			ch.SendExecuteResult(req, count, map[string]interface{}{"text/plain": "2"})
			ch.SendExecuteReply(req, messaging.MessageStatusOK, count)
			ch.SendStatus(req, messaging.MessageKernelStatusIdle)
		})

		session := startSession()
		defer func() { _ = session.Close() }()

		var outputs []*messaging.Message
		reply, err := session.ExecuteCode(ctx, "1+1", func(msg *messaging.Message) {
			outputs = append(outputs, msg)
		})

		Expect(err).To(BeNil())
		Expect(reply).ToNot(BeNil())
		Expect(reply.Status).To(Equal(messaging.MessageStatusOK))
		Expect(reply.ExecutionCount).To(Equal(1))

		Expect(outputs).To(HaveLen(1))
		Expect(outputs[0].JupyterMessageType().String()).To(Equal(messaging.IOExecuteResult))
		Expect(session.PendingRequests()).To(Equal(0))
	})

	It("Should deliver outputs in kernel emission order, before returning", func() {
		srv.Script("chatty", func(ch *fake_jupyter.KernelChannel, req *messaging.Message, count int) {
			ch.SendStream(req, messaging.StreamStdout, "first\n")
			ch.SendStream(req, messaging.StreamStderr, "second\n")
			ch.SendStream(req, messaging.StreamStdout, "third\n")
			ch.SendExecuteReply(req, messaging.MessageStatusOK, count)
			ch.SendStatus(req, messaging.MessageKernelStatusIdle)
		})

		session := startSession()
		defer func() { _ = session.Close() }()

		var texts []string
		_, err := session.ExecuteCode(ctx, "chatty", func(msg *messaging.Message) {
			var stream messaging.MessageStream
			Expect(msg.DecodeContent(&stream)).To(BeNil())
			texts = append(texts, stream.Text)
		})

		Expect(err).To(BeNil())
		Expect(texts).To(Equal([]string{"first\n", "second\n", "third\n"}))
	})

	It("Should treat a kernel-reported error as output, not as call failure", func() {
		srv.Script("1/0", func(ch *fake_jupyter.KernelChannel, req *messaging.Message, count int) {
			ch.SendError(req, "ZeroDivisionError", "division by zero",
				[]string{"Traceback (most recent call last):", "ZeroDivisionError: division by zero"})
			ch.SendExecuteReply(req, messaging.MessageStatusError, count)
			ch.SendStatus(req, messaging.MessageKernelStatusIdle)
		})

		session := startSession()
		defer func() { _ = session.Close() }()

		var errorMessages []*messaging.Message
		reply, err := session.ExecuteCode(ctx, "1/0", func(msg *messaging.Message) {
			if msg.JupyterMessageType().String() == messaging.IOErrorMessage {
				errorMessages = append(errorMessages, msg)
			}
		})

		Expect(err).To(BeNil())
		Expect(reply).ToNot(BeNil())
		Expect(reply.Status).To(Equal(messaging.MessageStatusError))
		Expect(errorMessages).To(HaveLen(1))
	})

	It("Should stay pending after the reply until the kernel goes idle", func() {
		srv.Script("tail", func(ch *fake_jupyter.KernelChannel, req *messaging.Message, count int) {
			ch.SendExecuteReply(req, messaging.MessageStatusOK, count)
			ch.SendStream(req, messaging.StreamStdout, "after the reply\n")
			ch.SendStatus(req, messaging.MessageKernelStatusIdle)
		})

		session := startSession()
		defer func() { _ = session.Close() }()

		var texts []string
		reply, err := session.ExecuteCode(ctx, "tail", func(msg *messaging.Message) {
			var stream messaging.MessageStream
			Expect(msg.DecodeContent(&stream)).To(BeNil())
			texts = append(texts, stream.Text)
		})

		Expect(err).To(BeNil())
		Expect(reply).ToNot(BeNil())
		Expect(texts).To(Equal([]string{"after the reply\n"}))
	})

	It("Should drop malformed frames without disturbing the execution", func() {
		srv.Script("noisy", func(ch *fake_jupyter.KernelChannel, req *messaging.Message, count int) {
			ch.SendRaw([]byte("garbage, not json"))
			ch.SendRaw([]byte(`{"header": {"msg_id": "x"}}`))
			ch.SendExecuteResult(req, count, map[string]interface{}{"text/plain": "ok"})
			ch.SendExecuteReply(req, messaging.MessageStatusOK, count)
			ch.SendStatus(req, messaging.MessageKernelStatusIdle)
		})

		session := startSession()
		defer func() { _ = session.Close() }()

		var outputs []*messaging.Message
		_, err := session.ExecuteCode(ctx, "noisy", func(msg *messaging.Message) {
			outputs = append(outputs, msg)
		})

		Expect(err).To(BeNil())
		Expect(outputs).To(HaveLen(1))
		Expect(session.Connected()).To(BeTrue())
	})

	It("Should give up when the kernel never goes idle and clean up the pending entry", func() {
		srv.Script("hang", func(ch *fake_jupyter.KernelChannel, req *messaging.Message, count int) {
			ch.SendExecuteReply(req, messaging.MessageStatusOK, count)
			// No idle status; the request stays open on the kernel side.
		})

		session := startSession()
		defer func() { _ = session.Close() }()

		timeoutCtx, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
		defer cancel()

		_, err := session.ExecuteCode(timeoutCtx, "hang", nil)
		Expect(errors.Is(err, context.DeadlineExceeded)).To(BeTrue())
		Expect(session.PendingRequests()).To(Equal(0))
	})

	It("Should fail pending requests when the transport drops mid-execution", func() {
		srv.Script("die", func(ch *fake_jupyter.KernelChannel, req *messaging.Message, count int) {
			ch.CloseAbruptly()
		})

		session := startSession()
		defer func() { _ = session.Close() }()

		_, err := session.ExecuteCode(ctx, "die", nil)
		Expect(err).ToNot(BeNil())
		Expect(errors.Is(err, jupyter.ErrConnectionFailed)).To(BeTrue())

		Eventually(session.Connected, time.Second, 10*time.Millisecond).Should(BeFalse())
		Expect(session.PendingRequests()).To(Equal(0))
	})

	It("Should fail pending requests when the session is closed", func() {
		srv.Script("hang", func(ch *fake_jupyter.KernelChannel, req *messaging.Message, count int) {
			// Never complete.
		})

		session := startSession()

		errs := make(chan error, 1)
		go func() {
			_, err := session.ExecuteCode(ctx, "hang", nil)
			errs <- err
		}()

		Eventually(session.PendingRequests, time.Second, 10*time.Millisecond).Should(Equal(1))
		Expect(session.Close()).To(BeNil())

		var err error
		Eventually(errs, time.Second).Should(Receive(&err))
		Expect(errors.Is(err, jupyter.ErrSessionClosed)).To(BeTrue())
	})

	It("Should keep concurrent executions on separate sessions isolated", func() {
		script := func(tag string) {
			srv.Script(tag, func(ch *fake_jupyter.KernelChannel, req *messaging.Message, count int) {
				for i := 0; i < 20; i++ {
					ch.SendStream(req, messaging.StreamStdout, tag+"\n")
				}
				ch.SendExecuteReply(req, messaging.MessageStatusOK, count)
				ch.SendStatus(req, messaging.MessageKernelStatusIdle)
			})
		}
		script("alpha")
		script("beta")

		first := startSession()
		defer func() { _ = first.Close() }()
		second := startSession()
		defer func() { _ = second.Close() }()

		run := func(session *client.KernelSession, code string) chan []string {
			out := make(chan []string, 1)
			go func() {
				defer GinkgoRecover()
				var texts []string
				_, err := session.ExecuteCode(ctx, code, func(msg *messaging.Message) {
					var stream messaging.MessageStream
					Expect(msg.DecodeContent(&stream)).To(BeNil())
					texts = append(texts, stream.Text)
				})
				Expect(err).To(BeNil())
				out <- texts
			}()

			return out
		}

		// Both executions are in flight at once; the two kernels stream their
		// tagged output concurrently.
		firstOut := run(first, "alpha")
		secondOut := run(second, "beta")

		var firstTexts, secondTexts []string
		Eventually(firstOut, 5*time.Second).Should(Receive(&firstTexts))
		Eventually(secondOut, 5*time.Second).Should(Receive(&secondTexts))

		Expect(firstTexts).To(HaveLen(20))
		for _, text := range firstTexts {
			Expect(text).To(Equal("alpha\n"))
		}
		Expect(secondTexts).To(HaveLen(20))
		for _, text := range secondTexts {
			Expect(text).To(Equal("beta\n"))
		}
	})

	Describe("Code completion", func() {
		It("Should return the kernel's completion matches", func() {
			srv.OnComplete(func(ch *fake_jupyter.KernelChannel, req *messaging.Message, content *messaging.MessageCompleteRequest) {
				Expect(content.Code).To(Equal("pri"))
				Expect(content.CursorPos).To(Equal(3))
				ch.SendCompleteReply(req, []string{"print", "property"}, 0, 3)
			})

			session := startSession()
			defer func() { _ = session.Close() }()

			reply, err := session.RequestComplete(ctx, "pri", 3)
			Expect(err).To(BeNil())
			Expect(reply).ToNot(BeNil())
			Expect(reply.Matches).To(Equal([]string{"print", "property"}))
			Expect(reply.CursorStart).To(Equal(0))
			Expect(reply.CursorEnd).To(Equal(3))
			Expect(session.PendingRequests()).To(Equal(0))
		})

		It("Should give up when the kernel never answers a completion request", func() {
			srv.OnComplete(func(ch *fake_jupyter.KernelChannel, req *messaging.Message, content *messaging.MessageCompleteRequest) {
				// No reply; only the surrounding busy/idle chatter goes out,
				// and status messages never resolve a completion request.
			})

			session := startSession()
			defer func() { _ = session.Close() }()

			timeoutCtx, cancel := context.WithTimeout(ctx, 400*time.Millisecond)
			defer cancel()

			_, err := session.RequestComplete(timeoutCtx, "pri", 3)
			Expect(errors.Is(err, context.DeadlineExceeded)).To(BeTrue())
			Expect(session.PendingRequests()).To(Equal(0))
		})

		It("Should return nothing, without error, when the session is not connected", func() {
			kernel, err := kernels.StartKernel(ctx, "python3")
			Expect(err).To(BeNil())

			session := client.NewKernelSession(conn, kernel.ID)

			reply, err := session.RequestComplete(ctx, "pri", 3)
			Expect(err).To(BeNil())
			Expect(reply).To(BeNil())
			Expect(session.PendingRequests()).To(Equal(0))
		})
	})
})
