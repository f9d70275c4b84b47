// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package apiserver

import (
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/killstream/killstream/apiserver/params"
)

type sessionSuite struct{}

var _ = gc.Suite(&sessionSuite{})

func (s *sessionSuite) TestSendQueuesAndWakes(c *gc.C) {
	session := newSession(nil)
	err := session.Send(params.ChannelMessage{Type: "killmail", Seq: 1})
	c.Assert(err, jc.ErrorIsNil)
	err = session.Send(params.ChannelMessage{Type: "killmail", Seq: 2})
	c.Assert(err, jc.ErrorIsNil)

	select {
	case <-session.wake():
	default:
		c.Fatal("no wake signal after send")
	}

	session.mu.Lock()
	defer session.mu.Unlock()
	c.Assert(session.queue, gc.HasLen, 2)
	c.Check(session.queue[0].Seq, gc.Equals, uint64(1))
	c.Check(session.queue[1].Seq, gc.Equals, uint64(2))
}

func (s *sessionSuite) TestWakeCoalesces(c *gc.C) {
	session := newSession(nil)
	for i := 0; i < 3; i++ {
		c.Assert(session.Send(params.ChannelMessage{Type: "killmail"}), jc.ErrorIsNil)
	}

	// Three sends leave exactly one pending signal.
	select {
	case <-session.wake():
	default:
		c.Fatal("no wake signal after send")
	}
	select {
	case <-session.wake():
		c.Fatal("wake signals were not coalesced")
	default:
	}
}

func (s *sessionSuite) TestSendDropsOldestWhenFull(c *gc.C) {
	session := newSession(nil)
	for i := 1; i <= sessionQueueSize+2; i++ {
		err := session.Send(params.ChannelMessage{Type: "killmail", Seq: uint64(i)})
		c.Assert(err, jc.ErrorIsNil)
	}

	session.mu.Lock()
	defer session.mu.Unlock()
	c.Assert(session.queue, gc.HasLen, sessionQueueSize)
	c.Check(session.queue[0].Seq, gc.Equals, uint64(3))
	c.Check(session.queue[sessionQueueSize-1].Seq, gc.Equals, uint64(sessionQueueSize+2))
	c.Check(session.gap, jc.IsTrue)
}

func (s *sessionSuite) TestGap(c *gc.C) {
	session := newSession(nil)
	session.Gap()

	session.mu.Lock()
	defer session.mu.Unlock()
	c.Check(session.gap, jc.IsTrue)
}

func (s *sessionSuite) TestSendAfterClose(c *gc.C) {
	session := newSession(nil)
	c.Assert(session.Send(params.ChannelMessage{Type: "killmail"}), jc.ErrorIsNil)
	session.close()

	err := session.Send(params.ChannelMessage{Type: "killmail"})
	c.Check(err, gc.ErrorMatches, "session closed")

	session.mu.Lock()
	defer session.mu.Unlock()
	c.Check(session.queue, gc.HasLen, 0)
}
