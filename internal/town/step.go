package town

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/machi/internal/events"
	"github.com/ashita-ai/machi/internal/ledger"
	"github.com/ashita-ai/machi/internal/model"
)

// relaxEmotionLift is the mood gain from a quiet moment.
const relaxEmotionLift = 0.05

// maxListeners caps how many agents join a group discussion besides the
// initiator.
const maxListeners = 2

// Step runs one autonomous tick: a random agent picks a weighted action and
// carries it out. It implements sim.Stepper and is safe to call from
// several goroutines.
func (s *Service) Step(ctx context.Context) model.StepResult {
	start := time.Now()
	res := s.step(ctx)
	res.Duration = time.Since(start)
	if res.Success {
		s.publish(events.TypeStep, res)
	}
	return res
}

func (s *Service) step(ctx context.Context) model.StepResult {
	agents, err := s.Agents(ctx)
	if err != nil {
		return failed(model.StepThink, err)
	}
	if len(agents) == 0 {
		return failed(model.StepThink, model.ErrAgentNotFound)
	}
	actor := agents[s.intN(len(agents))]
	kind := s.chooseAction(actor)
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("machi.agent", actor.Name),
		attribute.String("machi.action", string(kind)),
	)

	var res model.StepResult
	switch kind {
	case model.StepMove:
		res = s.stepMove(ctx, actor)
	case model.StepSocial:
		res = s.stepSocial(ctx, actor, agents)
	case model.StepGroup:
		res = s.stepGroup(ctx, actor, agents)
	case model.StepWork:
		res = s.stepWork(actor)
	case model.StepRelax:
		res = s.stepRelax(ctx, actor)
	default:
		res = s.stepThink(ctx, actor)
	}
	if res.Success {
		s.lastMu.Lock()
		s.last[actor.Name] = res.Kind
		s.lastMu.Unlock()
	}
	return res
}

func failed(kind model.StepKind, err error) model.StepResult {
	res := model.FailedStep(fmt.Errorf("%w: %w", model.ErrStepFailure, err))
	res.Kind = kind
	return res
}

func (s *Service) chooseAction(actor model.AgentRecord) model.StepKind {
	w := s.cfg.Actions
	if len(s.places) < 2 {
		w.Move = 0
	}
	s.lastMu.Lock()
	last := s.last[actor.Name]
	s.lastMu.Unlock()

	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return ChooseAction(w, actor.Location, last, s.rng)
}

func (s *Service) intN(n int) int {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.rng.IntN(n)
}

func (s *Service) pickString(list []string) string {
	return list[s.intN(len(list))]
}

// claim marks every pair between actor and others as in a conversation. It
// fails without claiming anything when one of them already is.
func (s *Service) claim(actor string, others ...string) bool {
	s.pairMu.Lock()
	defer s.pairMu.Unlock()
	for _, o := range others {
		if _, ok := s.busy[model.NewPairKey(actor, o)]; ok {
			return false
		}
	}
	for _, o := range others {
		s.busy[model.NewPairKey(actor, o)] = struct{}{}
	}
	return true
}

func (s *Service) unclaim(actor string, others ...string) {
	s.pairMu.Lock()
	defer s.pairMu.Unlock()
	for _, o := range others {
		delete(s.busy, model.NewPairKey(actor, o))
	}
}

func (s *Service) pairBusy(a, b string) bool {
	s.pairMu.Lock()
	defer s.pairMu.Unlock()
	_, ok := s.busy[model.NewPairKey(a, b)]
	return ok
}

func (s *Service) stepMove(ctx context.Context, actor model.AgentRecord) model.StepResult {
	others := make([]model.Location, 0, len(s.places))
	for _, p := range s.places {
		if p != actor.Location {
			others = append(others, p)
		}
	}
	if len(others) == 0 {
		return s.stepThink(ctx, actor)
	}
	to := others[s.intN(len(others))]

	mv, err := s.move(ctx, actor.Name, to)
	if err != nil {
		return failed(model.StepMove, err)
	}
	s.publish(events.TypeMove, mv)
	return model.StepResult{Success: true, Kind: model.StepMove, Agents: []string{actor.Name}}
}

// ask sends one turn through the pool and records it.
func (s *Service) ask(ctx context.Context, turns *[]model.Turn, p model.InteractionPayload) (string, bool, error) {
	p.Personality = s.personalities[p.Speaker.Name]
	resp, err := s.pool.Respond(ctx, p)
	if err != nil {
		return "", false, err
	}
	*turns = append(*turns, model.Turn{Agent: p.Speaker.Name, Text: resp.Text, Fallback: resp.Fallback})
	return resp.Text, resp.Fallback, nil
}

func (s *Service) stepSocial(ctx context.Context, speaker model.AgentRecord, agents []model.AgentRecord) model.StepResult {
	// 1. Pick a free partner, preferring someone in the same place.
	partner, ok := s.pickPartner(speaker, agents)
	if !ok || !s.claim(speaker.Name, partner.Name) {
		return s.stepThink(ctx, speaker)
	}
	defer s.unclaim(speaker.Name, partner.Name)
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("machi.partner", partner.Name))

	// 2. Choose the interaction from the current relationship.
	edge, err := s.Relationship(ctx, speaker.Name, partner.Name)
	if err != nil {
		return failed(model.StepSocial, err)
	}
	s.rngMu.Lock()
	typ := ledger.ChooseInteraction(edge, s.cfg.Policy, s.rng)
	s.rngMu.Unlock()

	// 3. Three turns: the speaker opens, the partner answers, the speaker
	// reacts.
	var turns []model.Turn
	opener, fb1, err := s.ask(ctx, &turns, model.InteractionPayload{
		Speaker:  speaker,
		Partner:  partner.Name,
		Type:     typ,
		Score:    edge.Score,
		Memories: s.recall(ctx, speaker.Name, partner.Name),
	})
	if err != nil {
		return failed(model.StepSocial, err)
	}
	reply, fb2, err := s.ask(ctx, &turns, model.InteractionPayload{
		Speaker:  partner,
		Partner:  speaker.Name,
		Message:  opener,
		Type:     typ,
		Score:    edge.Score,
		Memories: s.recall(ctx, partner.Name, speaker.Name),
	})
	if err != nil {
		return failed(model.StepSocial, err)
	}
	_, fb3, err := s.ask(ctx, &turns, model.InteractionPayload{
		Speaker: speaker,
		Partner: partner.Name,
		Message: reply,
		Type:    typ,
		Score:   edge.Score,
	})
	if err != nil {
		return failed(model.StepSocial, err)
	}
	fallback := fb1 || fb2 || fb3

	// 4. Apply the score change and both mood shifts atomically.
	delta, err := s.applyInteraction(ctx, speaker.Name, partner.Name, typ)
	if err != nil {
		return failed(model.StepSocial, err)
	}

	// 5. Remember it on both sides, best effort.
	if !fallback {
		s.remember(model.Memory{
			Agent: speaker.Name, Partner: partner.Name, Kind: string(typ),
			Content: fmt.Sprintf("I told %s %q and they said %q", partner.Name, opener, reply),
		})
		s.remember(model.Memory{
			Agent: partner.Name, Partner: speaker.Name, Kind: string(typ),
			Content: fmt.Sprintf("%s told me %q and I said %q", speaker.Name, opener, reply),
		})
	}

	return model.StepResult{
		Success:  true,
		Kind:     model.StepSocial,
		Agents:   []string{speaker.Name, partner.Name},
		Line:     opener,
		Turns:    turns,
		Fallback: fallback,
		Deltas:   []model.RelationshipDelta{delta},
	}
}

func (s *Service) applyInteraction(ctx context.Context, a, b string, typ model.InteractionType) (model.RelationshipDelta, error) {
	var delta model.RelationshipDelta
	at := s.now()
	shift := ledger.EmotionShift(typ)
	err := s.retry(ctx, func() error {
		return s.store.WithPair(ctx, a, b, func(ra, rb *model.AgentRecord, e *model.RelationshipEdge) error {
			s.rngMu.Lock()
			d := ledger.ApplyInteraction(*e, typ, ledger.ContextFor(*ra, *rb), s.rng)
			s.rngMu.Unlock()
			delta = ledger.Record(e, d, at)
			delta.Type = typ
			ra.Emotion = model.ClampEmotion(ra.Emotion + shift)
			rb.Emotion = model.ClampEmotion(rb.Emotion + shift)
			return nil
		})
	})
	return delta, err
}

// pickPartner prefers a free agent at the speaker's location and falls back
// to any free agent. It reports false when every pair is in use.
func (s *Service) pickPartner(speaker model.AgentRecord, agents []model.AgentRecord) (model.AgentRecord, bool) {
	var near, far []model.AgentRecord
	for _, a := range agents {
		switch {
		case a.Name == speaker.Name, s.pairBusy(speaker.Name, a.Name):
		case a.Location == speaker.Location:
			near = append(near, a)
		default:
			far = append(far, a)
		}
	}
	switch {
	case len(near) > 0:
		return near[s.intN(len(near))], true
	case len(far) > 0:
		return far[s.intN(len(far))], true
	}
	return model.AgentRecord{}, false
}

func (s *Service) stepGroup(ctx context.Context, host model.AgentRecord, agents []model.AgentRecord) model.StepResult {
	// 1. Gather up to two free agents in the same place.
	var pool []model.AgentRecord
	for _, a := range agents {
		if a.Name != host.Name && a.Location == host.Location && !s.pairBusy(host.Name, a.Name) {
			pool = append(pool, a)
		}
	}
	if len(pool) == 0 {
		return s.stepThink(ctx, host)
	}
	s.rngMu.Lock()
	s.rng.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	s.rngMu.Unlock()
	if len(pool) > maxListeners {
		pool = pool[:maxListeners]
	}
	names := make([]string, len(pool))
	for i, a := range pool {
		names[i] = a.Name
	}
	if !s.claim(host.Name, names...) {
		return s.stepThink(ctx, host)
	}
	defer s.unclaim(host.Name, names...)
	topic := s.pickString(discussionTopics)

	// 2. The host opens, everyone answers, the host wraps up.
	var turns []model.Turn
	opener, fallback, err := s.ask(ctx, &turns, model.InteractionPayload{
		Speaker: host,
		Partner: strings.Join(names, " and "),
		Topic:   topic,
		Type:    model.InteractionCasual,
		Score:   model.ScoreNeutral,
	})
	if err != nil {
		return failed(model.StepGroup, err)
	}
	last := opener
	for _, p := range pool {
		line, fb, err := s.ask(ctx, &turns, model.InteractionPayload{
			Speaker: p,
			Partner: host.Name,
			Message: opener,
			Type:    model.InteractionCasual,
			Score:   model.ScoreNeutral,
		})
		if err != nil {
			return failed(model.StepGroup, err)
		}
		fallback = fallback || fb
		last = line
	}
	_, fb, err := s.ask(ctx, &turns, model.InteractionPayload{
		Speaker: host,
		Partner: strings.Join(names, " and "),
		Message: last,
		Type:    model.InteractionCasual,
		Score:   model.ScoreNeutral,
	})
	if err != nil {
		return failed(model.StepGroup, err)
	}
	fallback = fallback || fb

	// 3. Every host-participant relationship moves as a casual chat.
	deltas := make([]model.RelationshipDelta, 0, len(pool))
	for _, name := range names {
		d, err := s.applyInteraction(ctx, host.Name, name, model.InteractionCasual)
		if err != nil {
			return failed(model.StepGroup, err)
		}
		deltas = append(deltas, d)
	}

	if !fallback {
		for _, name := range names {
			s.remember(model.Memory{
				Agent: name, Partner: host.Name, Kind: string(model.StepGroup),
				Content: fmt.Sprintf("%s talked with us about %s", host.Name, topic),
			})
		}
		s.remember(model.Memory{
			Agent: host.Name, Partner: strings.Join(names, " and "), Kind: string(model.StepGroup),
			Content: fmt.Sprintf("I talked with %s about %s", strings.Join(names, " and "), topic),
		})
	}

	return model.StepResult{
		Success:  true,
		Kind:     model.StepGroup,
		Agents:   append([]string{host.Name}, names...),
		Line:     opener,
		Turns:    turns,
		Topic:    topic,
		Fallback: fallback,
		Deltas:   deltas,
	}
}

func (s *Service) stepThink(ctx context.Context, actor model.AgentRecord) model.StepResult {
	topic := s.pickString(thinkTopics)
	var turns []model.Turn
	line, fallback, err := s.ask(ctx, &turns, model.InteractionPayload{
		Speaker:  actor,
		Topic:    topic,
		Type:     model.InteractionCasual,
		Score:    model.ScoreNeutral,
		Memories: s.recall(ctx, actor.Name, topic),
	})
	if err != nil {
		return failed(model.StepThink, err)
	}
	if !fallback {
		s.remember(model.Memory{
			Agent: actor.Name, Kind: string(model.StepThink),
			Content: fmt.Sprintf("I thought about %s: %q", topic, line),
		})
	}
	return model.StepResult{
		Success:  true,
		Kind:     model.StepThink,
		Agents:   []string{actor.Name},
		Line:     line,
		Turns:    turns,
		Topic:    topic,
		Fallback: fallback,
	}
}

func (s *Service) stepWork(actor model.AgentRecord) model.StepResult {
	list, ok := workActivities[strings.ToLower(actor.Profession)]
	if !ok {
		list = []string{"getting some work done"}
	}
	return model.StepResult{
		Success: true,
		Kind:    model.StepWork,
		Agents:  []string{actor.Name},
		Line:    fmt.Sprintf("%s is %s", actor.Name, s.pickString(list)),
	}
}

func (s *Service) stepRelax(ctx context.Context, actor model.AgentRecord) model.StepResult {
	err := s.retry(ctx, func() error {
		return s.store.WithAgent(ctx, actor.Name, func(a *model.AgentRecord) error {
			a.Emotion = model.ClampEmotion(a.Emotion + relaxEmotionLift)
			return nil
		})
	})
	if err != nil {
		return failed(model.StepRelax, err)
	}
	return model.StepResult{
		Success: true,
		Kind:    model.StepRelax,
		Agents:  []string{actor.Name},
		Line:    fmt.Sprintf("%s is %s", actor.Name, s.pickString(relaxActivities)),
	}
}
