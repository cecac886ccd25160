package session

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Metaphorme/railsync/pkg/message"
	"github.com/Metaphorme/railsync/pkg/models"
	"github.com/Metaphorme/railsync/pkg/snapshot"
)

func TestSession_JoinSyncLoseAndPurge(t *testing.T) {
	c := newCluster(t)
	hank := c.add("hank")
	alice := c.add("alice")
	bob := c.add("bob")
	alice.addTrain(t, 1, "a", 3)
	bob.addTrain(t, 1, "b", 5)

	hank.m.StartHost()
	c.tickAll()
	_, aliceEnd := c.connect(hank, alice)
	c.tickAll()
	require.Equal(t, models.StateActive, alice.m.State())

	c.runUntil(1)
	_, bobEnd := c.connect(hank, bob)
	c.tickAll()
	require.Equal(t, models.StateActive, bob.m.State())

	tags := tagsOf(bobEnd.received)
	require.GreaterOrEqual(t, len(tags), 3)
	assert.Equal(t, []string{message.TagServer, message.TagPlayer, message.TagTrain}, tags[:3])
	assert.Contains(t, tags, message.TagSwitchStates)
	assert.Contains(t, tags, message.TagSignalStates)
	assert.Contains(t, tags, message.TagTimeCheck)

	// 编号 1 已被 alice 占用，主机为 bob 分配新编号
	own := bob.world.TrainByOwner("bob")
	require.NotNil(t, own)
	assert.Equal(t, 2, own.Number)
	assert.Equal(t, models.ControlLocal, own.Control)
	assert.Len(t, own.Cars, 5)

	other := bob.world.Train(1)
	require.NotNil(t, other)
	assert.Equal(t, "alice", other.Owner)
	assert.Equal(t, models.ControlRemote, other.Control)
	assert.Len(t, other.Cars, 3)

	owner, ok := hank.m.Owner(2)
	require.True(t, ok)
	assert.Equal(t, "bob", owner)

	// 没有道岔变化时不发差分
	c.runUntil(10)
	assert.Len(t, byTag(bobEnd.received, message.TagSwitchStates), 1)

	require.NoError(t, hank.world.SetSwitchRoute(2, 1))
	c.runUntil(14)
	states := byTag(bobEnd.received, message.TagSwitchStates)
	require.Greater(t, len(states), 1)
	assert.False(t, states[1].(*message.States).Full)
	assert.Equal(t, byte(1), bob.world.SwitchSnapshot()[2])

	c.runUntil(20)
	c.hangup(aliceEnd, errors.New("connection reset by peer"))
	c.tickAll()
	assert.NotNil(t, hank.world.Train(1), "lost train stays during the grace period")
	assert.Equal(t, []LostEntry{{User: "alice", Train: 1, QuitTime: 20}}, hank.m.Status().Lost)
	assert.NotEmpty(t, byTag(bobEnd.received, message.TagLost))
	assert.Equal(t, models.ControlStatic, bob.world.Train(1).Control)
	assert.Equal(t, models.RoleOffline, alice.m.Role())
	_, ok = hank.m.Owner(1)
	assert.False(t, ok)

	c.runUntil(619)
	assert.Len(t, hank.m.Status().Lost, 1)
	assert.NotNil(t, hank.world.Train(1))

	c.runUntil(625)
	assert.Empty(t, hank.m.Status().Lost)
	assert.Nil(t, hank.world.Train(1))
	assert.Nil(t, bob.world.Train(1))
	_, ok = hank.m.Participant("alice")
	assert.False(t, ok)
}

func TestSession_ReconnectWithinGrace(t *testing.T) {
	c := newCluster(t)
	hank := c.add("hank")
	alice := c.add("alice")
	alice.addTrain(t, 1, "a", 3)
	hank.m.StartHost()
	c.tickAll()
	_, end := c.connect(hank, alice)
	c.tickAll()

	c.runUntil(5)
	c.hangup(end, io.ErrUnexpectedEOF)
	c.tickAll()
	require.Len(t, hank.m.Status().Lost, 1)

	c.runUntil(30)
	c.connect(hank, alice)
	c.tickAll()
	assert.Equal(t, models.StateActive, alice.m.State())
	assert.Empty(t, hank.m.Status().Lost)
	assert.Len(t, hank.world.Trains(), 1)
	owner, _ := hank.m.Owner(1)
	assert.Equal(t, "alice", owner)
	assert.Equal(t, models.ControlRemote, hank.world.Train(1).Control)
}

func TestSession_ReconnectFarAwayGetsNewTrain(t *testing.T) {
	c := newCluster(t)
	hank := c.add("hank")
	alice := c.add("alice")
	tr := alice.addTrain(t, 1, "a", 3)
	hank.m.StartHost()
	c.tickAll()
	_, end := c.connect(hank, alice)
	c.tickAll()
	c.hangup(end, io.ErrUnexpectedEOF)
	c.tickAll()

	tr.Pos.X += 500
	c.connect(hank, alice)
	c.tickAll()

	assert.Len(t, hank.world.Trains(), 2)
	owner, _ := hank.m.Owner(2)
	assert.Equal(t, "alice", owner)
	assert.Equal(t, []LostEntry{{User: "alice", Train: 1, QuitTime: 0}}, hank.m.Status().Lost)
	assert.Equal(t, 2, alice.world.TrainByOwner("alice").Number)
}

func TestSession_ControlIsExclusive(t *testing.T) {
	c := newCluster(t)
	hank := c.add("hank")
	alice := c.add("alice")
	bob := c.add("bob")
	alice.addTrain(t, 1, "a", 3)
	bob.addTrain(t, 1, "b", 2)
	hank.m.StartHost()
	c.tickAll()
	_, aliceEnd := c.connect(hank, alice)
	c.tickAll()
	c.connect(hank, bob)
	c.tickAll()

	bob.m.RequestControl(1)
	c.tickAll()
	owner, _ := hank.m.Owner(1)
	assert.Equal(t, "alice", owner)
	assert.Contains(t, bob.notes.Notices(), "train 1 is driven by alice")
	assert.Equal(t, models.ControlLocal, bob.world.Train(2).Control)

	c.hangup(aliceEnd, io.EOF)
	c.tickAll()
	bob.m.RequestControl(1)
	c.tickAll()

	for _, n := range []*node{hank, bob} {
		owner, _ = n.m.Owner(1)
		assert.Equal(t, "bob", owner, n.name)
		_, ok := n.m.Owner(2)
		assert.False(t, ok, n.name)
	}
	assert.Equal(t, models.ControlLocal, bob.world.Train(1).Control)
	assert.Equal(t, models.ControlStatic, bob.world.Train(2).Control)
	assert.Empty(t, hank.m.Status().Lost)

	p, ok := hank.m.Participant("bob")
	require.True(t, ok)
	assert.Equal(t, 1, p.Train)
}

func TestSession_DuplicateNameRejected(t *testing.T) {
	c := newCluster(t)
	hank := c.add("hank")
	alice := c.add("alice")
	impostor := c.add("alice")
	alice.addTrain(t, 1, "a", 3)
	impostor.addTrain(t, 1, "x", 2)
	hank.m.StartHost()
	c.tickAll()
	c.connect(hank, alice)
	c.tickAll()

	_, end := c.connect(hank, impostor)
	c.tickAll()

	assert.Len(t, byTag(end.received, message.TagSameName), 1)
	assert.Equal(t, models.RoleOffline, impostor.m.Role())
	assert.True(t, end.hungUp)

	p, ok := hank.m.Participant("alice")
	require.True(t, ok)
	assert.Equal(t, models.StatusActive, p.Status)
	assert.Equal(t, models.StateActive, alice.m.State())
	assert.Len(t, hank.world.Trains(), 1)
	assert.Empty(t, hank.m.Status().Lost)
	owner, _ := hank.m.Owner(1)
	assert.Equal(t, "alice", owner)
}

func TestSession_JoinValidation(t *testing.T) {
	tests := []struct {
		name   string
		player message.Player
		kind   models.Kind
	}{
		{"version", message.Player{User: "old", Version: 14, Hash: models.HashNotApplicable, Route: "demo"}, models.KindProtocolVersion},
		{"hash", message.Player{User: "mod", Version: models.ProtocolVersion, Hash: "ffff", Route: "demo"}, models.KindIntegrity},
		{"route", message.Player{User: "lost", Version: models.ProtocolVersion, Hash: models.HashNotApplicable, Route: "other"}, models.KindIntegrity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newCluster(t)
			hank := c.add("hank", WithRouteName("demo"), WithIntegrityHash("abcd"))
			hank.m.StartHost()
			c.tickAll()
			h, _ := c.attach(hank)

			p := tt.player
			err := hank.m.Receive(h, &p)
			require.Error(t, err)
			assert.Equal(t, tt.kind, models.KindOf(err))
			assert.True(t, models.IsFatal(err))
			errs := byTag(h.out, message.TagError)
			require.Len(t, errs, 1)
			assert.Equal(t, tt.player.User, errs[0].(*message.Notice).User)
			_, ok := hank.m.Participant(tt.player.User)
			assert.False(t, ok)
		})
	}
}

func TestSession_UnknownHashAccepted(t *testing.T) {
	c := newCluster(t)
	hank := c.add("hank", WithIntegrityHash("abcd"))
	alice := c.add("alice", WithIntegrityHash(""))
	alice.addTrain(t, 1, "a", 1)
	hank.m.StartHost()
	c.tickAll()
	c.connect(hank, alice)
	c.tickAll()
	assert.Equal(t, models.StateActive, alice.m.State())
}

func TestSession_BreakerTrips(t *testing.T) {
	c := newCluster(t)
	hank := c.add("hank")
	hank.m.StartHost()
	h, _ := c.attach(hank)
	bad := models.Errorf(models.KindMalformedBody, "MOVE: bad number")
	for range 4 {
		require.NoError(t, hank.m.Malformed(h, bad))
	}
	err := hank.m.Malformed(h, bad)
	assert.Equal(t, models.KindBreakerTripped, models.KindOf(err))
	assert.True(t, models.IsFatal(err))
}

func TestBreaker_Window(t *testing.T) {
	b := NewBreaker(10*time.Second, 3)
	now := time.Unix(1000, 0)
	assert.False(t, b.Record("p", now))
	assert.False(t, b.Record("p", now.Add(time.Second)))
	// 前两条都已移出窗口
	assert.False(t, b.Record("p", now.Add(12*time.Second)))
	assert.False(t, b.Record("p", now.Add(13*time.Second)))
	assert.True(t, b.Record("p", now.Add(20*time.Second)))
	assert.False(t, b.Record("q", now.Add(20*time.Second)))
	b.Forget("p")
	assert.False(t, b.Record("p", now.Add(21*time.Second)))
}

func TestSession_MoveIsIdempotent(t *testing.T) {
	c := newCluster(t)
	hank := c.add("hank")
	bob := c.add("bob")
	hank.addTrain(t, 1, "h", 2)
	bob.addTrain(t, 1, "b", 2)
	hank.m.StartHost()
	c.tickAll()
	_, end := c.connect(hank, bob)
	c.tickAll()

	mv := &message.Move{User: "hank", Trains: []message.TrainMove{{
		Number: 1, Speed: 12, Distance: 340, CarCount: 2,
		Pos: models.Position{TileX: -6, TileZ: 14, X: 410.5, Z: 22},
	}}}
	require.NoError(t, bob.m.Receive(end, mv))
	bob.m.Tick()
	once := *bob.world.Train(1)
	require.NoError(t, bob.m.Receive(end, mv))
	bob.m.Tick()
	twice := *bob.world.Train(1)
	assert.Equal(t, once, twice)
	assert.Equal(t, 12.0, twice.Speed)
	assert.Equal(t, 410.5, twice.Pos.X)
}

func TestSession_HostReportsMoves(t *testing.T) {
	c := newCluster(t)
	hank := c.add("hank")
	bob := c.add("bob")
	ht := hank.addTrain(t, 1, "h", 2)
	bob.addTrain(t, 1, "b", 2)
	hank.m.StartHost()
	c.tickAll()
	c.connect(hank, bob)
	c.tickAll()

	ht.Speed = 8
	ht.Pos.X = 150
	c.runUntil(2)
	assert.Equal(t, 8.0, bob.world.Train(1).Speed)
	assert.Equal(t, 150.0, bob.world.Train(1).Pos.X)

	// 停车后再报告一次，然后保持安静
	ht.Speed = 0
	c.runUntil(4)
	assert.Equal(t, 0.0, bob.world.Train(1).Speed)
}

func TestSession_UnknownTrainRequested(t *testing.T) {
	c := newCluster(t)
	hank := c.add("hank")
	bob := c.add("bob")
	bob.addTrain(t, 1, "b", 2)
	hank.m.StartHost()
	c.tickAll()
	hostEnd, end := c.connect(hank, bob)
	c.tickAll()

	mv := &message.Move{User: "hank", Trains: []message.TrainMove{{Number: 9, CarCount: 1}}}
	for range 5 {
		require.NoError(t, bob.m.Receive(end, mv))
	}
	bob.m.Tick()
	require.Len(t, byTag(end.out, message.TagGetTrain), 1)
	c.tickAll()
	assert.NotEmpty(t, byTag(hostEnd.received, message.TagGetTrain))
	assert.NotEmpty(t, byTag(end.received, message.TagRemoveTrain))
}

func TestSession_UncoupleRenumbered(t *testing.T) {
	c := newCluster(t)
	hank := c.add("hank")
	alice := c.add("alice")
	bob := c.add("bob")
	hank.addTrain(t, 1, "h", 2)
	alice.addTrain(t, 1, "a", 1)
	bob.addTrain(t, 1, "b", 5)
	hank.m.StartHost()
	c.tickAll()
	c.connect(hank, alice)
	c.tickAll()
	c.connect(hank, bob)
	c.tickAll()
	require.Equal(t, 3, bob.world.TrainByOwner("bob").Number)
	hank.world.NextTrainNumber() // 让主机与参与者的编号分叉

	bob.m.Uncouple(3, 2, false)
	c.tickAll()

	for _, n := range []*node{hank, alice, bob} {
		kept := n.world.Train(3)
		require.NotNil(t, kept, n.name)
		assert.Len(t, kept.Cars, 2, n.name)
		split := n.world.Train(5)
		require.NotNil(t, split, n.name)
		assert.Equal(t, "b-2", split.FirstCarID(), n.name)
		assert.Len(t, split.Cars, 3, n.name)
		assert.Nil(t, n.world.Train(4), n.name)
	}
	owner, _ := hank.m.Owner(3)
	assert.Equal(t, "bob", owner)
	_, ok := hank.m.Owner(5)
	assert.False(t, ok)
}

func TestSession_CoupleMergesAndKeepsOwner(t *testing.T) {
	c := newCluster(t)
	hank := c.add("hank")
	bob := c.add("bob")
	hank.addTrain(t, 1, "h", 2)
	bob.addTrain(t, 1, "b", 3)
	hank.m.StartHost()
	c.tickAll()
	c.connect(hank, bob)
	c.tickAll()

	bob.m.Couple(1, 2)
	c.tickAll()

	for _, n := range []*node{hank, bob} {
		assert.Nil(t, n.world.Train(2), n.name)
		merged := n.world.Train(1)
		require.NotNil(t, merged, n.name)
		assert.Equal(t, []string{"h-0", "h-1", "b-0", "b-1", "b-2"}, merged.CarIDs(), n.name)
	}
}

func TestSession_FlipAndLocoChange(t *testing.T) {
	c := newCluster(t)
	hank := c.add("hank")
	bob := c.add("bob")
	bob.addTrain(t, 1, "b", 3)
	hank.m.StartHost()
	c.tickAll()
	c.connect(hank, bob)
	c.tickAll()

	bob.m.ChangeLoco(1, 2)
	c.tickAll()
	assert.Equal(t, 2, hank.world.Train(1).LeadLocomotive)
	p, _ := hank.m.Participant("bob")
	assert.Equal(t, "b-2", p.LeadID)

	bob.m.FlipTrain(1)
	c.tickAll()
	for _, n := range []*node{hank, bob} {
		tr := n.world.Train(1)
		assert.Equal(t, []string{"b-2", "b-1", "b-0"}, tr.CarIDs(), n.name)
		assert.Equal(t, 0, tr.LeadLocomotive, n.name)
		assert.True(t, tr.Cars[0].Flipped, n.name)
	}
}

func TestSession_SwitchRequests(t *testing.T) {
	c := newCluster(t)
	hank := c.add("hank")
	bob := c.add("bob")
	bob.addTrain(t, 1, "b", 1)
	hank.m.StartHost()
	c.tickAll()
	c.connect(hank, bob)
	c.tickAll()

	hank.world.Occupy(0, true)
	bob.m.ThrowSwitch(0, 1)
	c.tickAll()
	assert.Contains(t, bob.notes.Notices(), "switch 0 is occupied")
	assert.Equal(t, byte(0), hank.world.SwitchSnapshot()[0])

	bob.m.ThrowSwitch(1, 2)
	c.tickAll()
	assert.Equal(t, byte(2), hank.world.SwitchSnapshot()[1])
	assert.Equal(t, byte(2), bob.world.SwitchSnapshot()[1])
}

func TestSession_BadSignalDiffRequestsReset(t *testing.T) {
	c := newCluster(t)
	hank := c.add("hank")
	bob := c.add("bob")
	bob.addTrain(t, 1, "b", 1)
	hank.world.SetSignal(1, 4, 1, 0)
	hank.m.StartHost()
	c.tickAll()
	_, end := c.connect(hank, bob)
	c.tickAll()
	require.Equal(t, hank.world.SignalSnapshot(), bob.world.SignalSnapshot())

	bob.world.SetSignal(1, 0, 0, 0)
	bad := &message.States{Kind: message.SignalKind, Raw: snapshot.MarshalChanges([]snapshot.Change{{Index: 99, Value: 1}})}
	require.NoError(t, bob.m.Receive(end, bad))
	bob.m.Tick()
	require.Len(t, byTag(end.out, message.TagResetSignal), 1)
	c.tickAll()
	assert.Equal(t, hank.world.SignalSnapshot(), bob.world.SignalSnapshot())
}

func TestSession_Kick(t *testing.T) {
	c := newCluster(t)
	hank := c.add("hank")
	alice := c.add("alice")
	alice.addTrain(t, 1, "a", 2)
	hank.m.StartHost()
	c.tickAll()
	c.connect(hank, alice)
	c.tickAll()

	require.NoError(t, hank.m.Kick("alice"))
	c.tickAll()
	assert.Equal(t, models.RoleOffline, alice.m.Role())
	assert.Nil(t, hank.world.Train(1))
	assert.Empty(t, hank.m.Status().Lost)
	p, ok := hank.m.Participant("alice")
	require.True(t, ok)
	assert.Equal(t, models.StatusEvicted, p.Status)

	assert.Error(t, hank.m.Kick("nobody"))
	assert.Error(t, alice.m.Kick("hank"))
}

func TestSession_ParticipantTrainEdits(t *testing.T) {
	c := newCluster(t)
	hank := c.add("hank")
	alice := c.add("alice")
	bob := c.add("bob")
	alice.addTrain(t, 1, "a", 2)
	bob.addTrain(t, 2, "b", 2)
	hank.m.StartHost()
	c.tickAll()
	_, aliceEnd := c.connect(hank, alice)
	c.tickAll()
	bobHost, _ := c.connect(hank, bob)
	c.tickAll()

	// bob 不能删除 alice 驾驶的列车
	require.NoError(t, hank.m.Receive(bobHost, &message.RemoveTrain{Numbers: []int{1}}))
	c.tickAll()
	assert.NotNil(t, hank.world.Train(1))
	assert.NotNil(t, alice.world.Train(1))
	owner, ok := hank.m.Owner(1)
	require.True(t, ok)
	assert.Equal(t, "alice", owner)
	assert.Empty(t, byTag(aliceEnd.received, message.TagRemoveTrain))

	// 混合请求只执行属于自己的部分
	require.NoError(t, hank.m.Receive(bobHost, &message.RemoveTrain{Numbers: []int{1, 2}}))
	c.tickAll()
	assert.NotNil(t, hank.world.Train(1))
	assert.Nil(t, hank.world.Train(2))
	removed := byTag(aliceEnd.received, message.TagRemoveTrain)
	require.Len(t, removed, 1)
	assert.Equal(t, []int{2}, removed[0].(*message.RemoveTrain).Numbers)

	// 编号已被占用的新列车被丢弃，其余的照常转发
	car := []models.Car{{ID: "x-0", Path: "trainset\\x.wag", Length: 15}}
	require.NoError(t, hank.m.Receive(bobHost, &message.Train{Train: models.Train{Number: 1, Name: "impostor", Cars: car}}))
	require.NoError(t, hank.m.Receive(bobHost, &message.Train{Train: models.Train{Number: 7, Name: "light engine", Cars: car}}))
	c.tickAll()
	assert.Equal(t, "a-0", hank.world.Train(1).Cars[0].ID)
	require.NotNil(t, hank.world.Train(7))
	trains := byTag(aliceEnd.received, message.TagTrain)
	require.NotEmpty(t, trains)
	for _, msg := range trains {
		assert.NotEqual(t, 1, msg.(*message.Train).Train.Number)
	}
	assert.Equal(t, 7, trains[len(trains)-1].(*message.Train).Train.Number)
	assert.Equal(t, "light engine", alice.world.Train(7).Name)
}

func TestSession_QuitKeepsTrainForGrace(t *testing.T) {
	c := newCluster(t)
	hank := c.add("hank")
	alice := c.add("alice")
	alice.addTrain(t, 1, "a", 2)
	hank.m.StartHost()
	c.tickAll()
	hostEnd, _ := c.connect(hank, alice)
	c.tickAll()

	c.runUntil(3)
	alice.m.Quit()
	c.tickAll()
	assert.NotEmpty(t, byTag(hostEnd.received, message.TagQuit))
	assert.Equal(t, []LostEntry{{User: "alice", Train: 1, QuitTime: 3}}, hank.m.Status().Lost)
	assert.NotNil(t, hank.world.Train(1))
	assert.Equal(t, models.RoleOffline, alice.m.Role())
}

func TestSession_ChatRouting(t *testing.T) {
	c := newCluster(t)
	hank := c.add("hank")
	alice := c.add("alice")
	bob := c.add("bob")
	alice.addTrain(t, 1, "a", 1)
	bob.addTrain(t, 2, "b", 1)
	hank.m.StartHost()
	c.tickAll()
	c.connect(hank, alice)
	c.tickAll()
	c.connect(hank, bob)
	c.tickAll()

	alice.m.Say("meet at the depot", "bob")
	c.tickAll()
	assert.Equal(t, []string{"alice: meet at the depot"}, bob.notes.Chats())
	assert.Empty(t, hank.notes.Chats())

	hank.m.Say("server restarts at noon")
	c.tickAll()
	assert.Contains(t, alice.notes.Chats(), "hank: server restarts at noon")
	assert.Contains(t, bob.notes.Chats(), "hank: server restarts at noon")
	assert.Empty(t, alice.notes.Chats()[1:])
}

func TestSession_Handoff(t *testing.T) {
	promoted := make(chan struct{}, 1)
	redirected := make(chan string, 2)
	c := newCluster(t)
	hank := c.add("hank", WithHooks(Hooks{Redirect: func(addr string) error {
		redirected <- "hank:" + addr
		return nil
	}}))
	alice := c.add("alice", WithAider("10.0.0.2:30000"), WithHooks(Hooks{Promote: func() error {
		promoted <- struct{}{}
		return nil
	}}))
	bob := c.add("bob", WithHooks(Hooks{Redirect: func(addr string) error {
		redirected <- "bob:" + addr
		return nil
	}}))
	alice.addTrain(t, 1, "a", 1)
	bob.addTrain(t, 2, "b", 2)
	hank.m.StartHost()
	c.tickAll()
	c.connect(hank, alice)
	c.tickAll()
	c.connect(hank, bob)
	c.tickAll()

	assert.Error(t, hank.m.BeginHandoff(), "no aider yet")
	require.NoError(t, hank.m.GrantAider("alice", true))
	c.pump()
	require.NoError(t, hank.m.BeginHandoff())
	c.pump()

	select {
	case <-promoted:
	case <-time.After(time.Second):
		t.Fatal("alice was not promoted")
	}
	got := []string{<-redirected, <-redirected}
	assert.ElementsMatch(t, []string{"hank:10.0.0.2:30000", "bob:10.0.0.2:30000"}, got)

	assert.Equal(t, models.RoleHost, alice.m.Role())
	assert.Equal(t, models.RoleParticipant, hank.m.Role())
	assert.Equal(t, []LostEntry{{User: "bob", Train: 2, QuitTime: 0}}, alice.m.Status().Lost)
	owner, _ := alice.m.Owner(1)
	assert.Equal(t, "alice", owner)
}

func TestSession_HandoffRedirectFails(t *testing.T) {
	c := newCluster(t)
	hank := c.add("hank", WithHooks(Hooks{Redirect: func(string) error { return nil }}))
	alice := c.add("alice", WithAider("10.0.0.2:30000"), WithHooks(Hooks{Promote: func() error { return nil }}))
	bob := c.add("bob", WithHooks(Hooks{Redirect: func(string) error {
		return errors.New("dial 10.0.0.2:30000: connection refused")
	}}))
	alice.addTrain(t, 1, "a", 1)
	bob.addTrain(t, 2, "b", 2)
	hank.m.StartHost()
	c.tickAll()
	c.connect(hank, alice)
	c.tickAll()
	c.connect(hank, bob)
	c.tickAll()
	require.NoError(t, hank.m.GrantAider("alice", true))
	c.pump()
	require.NoError(t, hank.m.BeginHandoff())
	c.pump()

	// bob 连不上新主机，立即回到离线模式
	require.Eventually(t, func() bool { return bob.m.Role() == models.RoleOffline }, time.Second, 5*time.Millisecond)
	assert.Equal(t, models.StateDisconnected, bob.m.State())
	assert.Contains(t, bob.notes.Notices(), "cannot reach the new host")
	b := bob.world.Train(2)
	require.NotNil(t, b)
	assert.Equal(t, models.ControlLocal, b.Control)

	// hank 的重定向没有结果，超时后回到离线模式
	c.runUntil(29)
	assert.Equal(t, models.RoleParticipant, hank.m.Role())
	c.runUntil(31)
	assert.Equal(t, models.RoleOffline, hank.m.Role())
	assert.Contains(t, hank.notes.Notices(), "the new host did not answer")
	assert.Equal(t, models.RoleHost, alice.m.Role())
}

func TestSession_StatusSnapshot(t *testing.T) {
	c := newCluster(t)
	hank := c.add("hank")
	alice := c.add("alice")
	alice.addTrain(t, 1, "a", 1)
	hank.m.StartHost()
	c.tickAll()
	c.connect(hank, alice)
	c.tickAll()

	st := hank.m.Status()
	assert.Equal(t, "hank", st.User)
	assert.Equal(t, "host", st.Role)
	require.Len(t, st.Participants, 2)
	assert.Equal(t, "alice", st.Participants[0].Name)
	assert.Equal(t, 1, st.Participants[0].Train)
	assert.Equal(t, map[int]string{1: "alice"}, st.Owners)
}

type memJournal struct{ events []Event }

func (j *memJournal) Record(e Event) error {
	j.events = append(j.events, e)
	return nil
}

func TestSession_JournalRecordsLifecycle(t *testing.T) {
	c := newCluster(t)
	j := &memJournal{}
	hank := c.add("hank", WithJournal(j))
	alice := c.add("alice")
	alice.addTrain(t, 1, "a", 2)
	hank.m.StartHost()
	c.tickAll()
	aliceEnd, _ := c.connect(hank, alice)
	c.tickAll()

	c.runUntil(5)
	c.hangup(aliceEnd, io.EOF)
	c.runUntil(700)

	assert.Equal(t, []Event{
		{User: "alice", Kind: "join", Train: 1, Clock: 0},
		{User: "alice", Kind: "lost", Train: 1, Clock: 5},
		{User: "alice", Kind: "expire", Train: 1, Clock: 606},
	}, j.events)
}
