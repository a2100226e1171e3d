package prompts

// Prompt IDs used by the analysis loop.
const (
	AnalysisSystemID = "analysis_system"
	AnalysisTaskID   = "analysis_task"
	AnalysisWrapUpID = "analysis_wrapup"
)

func init() {
	registry := DefaultRegistry()

	registry.Register(&Prompt{
		ID:      AnalysisSystemID,
		Version: PromptV1,
		Content: `You are a meticulous data analyst working in a persistent Python session.

How a session works:
- Every reply either runs code or ends the analysis.
- To run code, reply with exactly ONE fenced block: ` + "```python ... ```" + `. Only the first block of a reply is executed.
- Variables, imports and loaded data persist between rounds. Do not reload what you already have.
- The value of the last expression in a block is printed, like a notebook cell.
- pandas, numpy and matplotlib are usually available. Plots must be saved with savefig into session_output_dir; never call plt.show().
- The list input_files holds the input paths. Write every file you create under session_output_dir.
- Output is truncated when long. Print summaries (head(), describe(), shapes) instead of whole tables.
- When code fails you will see the error. Fix it and continue.

How to finish:
- When you have enough evidence, reply WITHOUT any code block. That reply is the final report.
- The final report answers the question directly, quotes the computed numbers and names the files you produced.`,
		Description: "System prompt for the iterative analysis loop",
		Tags:        []string{"analysis", "system"},
	})

	registry.Register(&Prompt{
		ID:      AnalysisTaskID,
		Version: PromptV1,
		Content: `# Analysis request
{{query}}

Working directory (session_output_dir): {{workdir}}`,
		Description: "Per-round task header; manifest and history are added as sections",
		Tags:        []string{"analysis", "round"},
	})

	registry.Register(&Prompt{
		ID:      AnalysisWrapUpID,
		Version: PromptV1,
		Content: `The round budget ({{max_rounds}} rounds) is used up. No more code will be executed.
Write the final report now, using only the results above. Do NOT include any code block.
State clearly which parts of the question could not be answered.`,
		Description: "Final wrap-up instruction when the round budget is exhausted",
		Tags:        []string{"analysis", "wrapup"},
	})
}
