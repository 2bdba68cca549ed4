/*
Copyright 2022 The MASH Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package obs

import (
	"fmt"
	"sync"
	"time"

	cron "gopkg.in/robfig/cron.v2" // using v2 api, doc at https://godoc.org/gopkg.in/robfig/cron.v2
)

// entry tracks one scheduled watcher.
type entry struct {
	// entryID is the identifier the cronAgent generated; zero for runs
	// fired directly.
	entryID cron.EntryID
	// running enforces a single in-flight pass per watcher.
	running bool
}

// Scheduler drives watcher passes. Nonstop watchers poll on an interval,
// one-shot watchers run once at their start time. At most one pass per
// watcher is in flight; overlapping runs are skipped.
type Scheduler struct {
	cronAgent *cron.Cron
	entries   map[string]*entry
	lock      sync.Mutex
}

// NewScheduler makes a started Scheduler.
func NewScheduler() *Scheduler {
	s := &Scheduler{
		cronAgent: cron.New(),
		entries:   map[string]*entry{},
	}
	s.cronAgent.Start()
	return s
}

// Stop pauses the scheduler. In-flight passes finish.
func (s *Scheduler) Stop() {
	s.cronAgent.Stop()
}

// Has reports whether the job is scheduled.
func (s *Scheduler) Has(jobID string) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	_, ok := s.entries[jobID]
	return ok
}

// Remove drops the job's schedule. A running pass finishes.
func (s *Scheduler) Remove(jobID string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	e, ok := s.entries[jobID]
	if !ok {
		return
	}
	if e.entryID != 0 {
		s.cronAgent.Remove(e.entryID)
	}
	delete(s.entries, jobID)
}

// AddNonstop schedules run every interval. When a tick overlaps a pass
// still in flight the tick is skipped and skipped fires instead.
func (s *Scheduler) AddNonstop(jobID string, interval time.Duration, run, skipped func()) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, ok := s.entries[jobID]; ok {
		return fmt.Errorf("job %s already scheduled", jobID)
	}
	e := &entry{}
	id, err := s.cronAgent.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		s.guardedRun(e, run, skipped)
	})
	if err != nil {
		return err
	}
	e.entryID = id
	s.entries[jobID] = e
	return nil
}

// AddOneShot schedules a single run at the given time; a zero or past time
// runs immediately. The entry removes itself after the run.
func (s *Scheduler) AddOneShot(jobID string, at time.Time, run func()) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, ok := s.entries[jobID]; ok {
		return fmt.Errorf("job %s already scheduled", jobID)
	}
	e := &entry{}
	wrapped := func() {
		s.guardedRun(e, run, nil)
		s.Remove(jobID)
	}
	if at.IsZero() || !at.After(time.Now()) {
		s.entries[jobID] = e
		go wrapped()
		return nil
	}
	e.entryID = s.cronAgent.Schedule(oneShotSchedule{at: at}, cron.FuncJob(wrapped))
	s.entries[jobID] = e
	return nil
}

func (s *Scheduler) guardedRun(e *entry, run, skipped func()) {
	s.lock.Lock()
	if e.running {
		s.lock.Unlock()
		if skipped != nil {
			skipped()
		}
		return
	}
	e.running = true
	s.lock.Unlock()
	defer func() {
		s.lock.Lock()
		e.running = false
		s.lock.Unlock()
	}()
	run()
}

// oneShotSchedule fires exactly once at its time.
type oneShotSchedule struct {
	at time.Time
}

// Next implements cron.Schedule; the zero time after the shot means no
// further runs.
func (o oneShotSchedule) Next(t time.Time) time.Time {
	if t.Before(o.at) {
		return o.at
	}
	return time.Time{}
}
