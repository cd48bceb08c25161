package workflow

import "stepforge/internal/queue"

// ConfigureStages registers the concrete stage handlers the workflow will run.
// Nil handlers are skipped.
func (m *Manager) ConfigureStages(set StageSet) {
	var stages []pipelineStage
	if set.Extraction != nil {
		stages = append(stages, pipelineStage{
			name:    "extraction",
			handler: set.Extraction,
			status:  queue.StatusExtracting,
			label:   "Extracting frames",
		})
	}
	if set.Transcription != nil {
		stages = append(stages, pipelineStage{
			name:    "transcription",
			handler: set.Transcription,
			status:  queue.StatusTranscribing,
			label:   "Transcribing audio",
		})
	}
	if set.Synthesis != nil {
		stages = append(stages, pipelineStage{
			name:    "synthesis",
			handler: set.Synthesis,
			status:  queue.StatusSynthesizing,
			label:   "Synthesizing steps",
		})
	}

	m.mu.Lock()
	m.stages = stages
	m.mu.Unlock()
}
