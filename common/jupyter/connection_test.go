package jupyter_test

import (
	"github.com/scusemua/remote-notebook/common/jupyter"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("ServerConnection", func() {
	It("Should join and escape API path segments", func() {
		conn := &jupyter.ServerConnection{BaseURL: "http://localhost:8888/"}

		Expect(conn.APIURL("api", "kernels")).To(Equal("http://localhost:8888/api/kernels"))
		Expect(conn.APIURL("api", "kernels", "abc 123")).To(Equal("http://localhost:8888/api/kernels/abc%20123"))
	})

	It("Should preserve slashes in contents paths", func() {
		conn := &jupyter.ServerConnection{BaseURL: "http://localhost:8888"}

		Expect(conn.ContentsURL("work/notebooks/demo.ipynb")).To(
			Equal("http://localhost:8888/api/contents/work/notebooks/demo.ipynb"))
		Expect(conn.ContentsURL("/rooted.txt")).To(
			Equal("http://localhost:8888/api/contents/rooted.txt"))
	})

	It("Should derive the websocket scheme from the HTTP scheme", func() {
		plain := &jupyter.ServerConnection{BaseURL: "http://localhost:8888"}
		Expect(plain.ChannelsURL("k1")).To(Equal("ws://localhost:8888/api/kernels/k1/channels"))

		secure := &jupyter.ServerConnection{BaseURL: "https://hub.example.com/user/jovyan"}
		Expect(secure.ChannelsURL("k1")).To(Equal("wss://hub.example.com/user/jovyan/api/kernels/k1/channels"))
	})

	It("Should present the token header only when a token is configured", func() {
		withToken := &jupyter.ServerConnection{Token: "secret"}
		Expect(withToken.AuthorizationHeader().Get("Authorization")).To(Equal("token secret"))

		withoutToken := &jupyter.ServerConnection{}
		Expect(withoutToken.AuthorizationHeader().Get("Authorization")).To(BeEmpty())
	})

	It("Should fall back to the default username", func() {
		conn := &jupyter.ServerConnection{}
		Expect(conn.EffectiveUsername()).To(Equal(jupyter.DefaultUsername))

		conn.Username = "alice"
		Expect(conn.EffectiveUsername()).To(Equal("alice"))
	})
})
