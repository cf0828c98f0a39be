package pipeline

// Command routes a command into the environment. dir, when set, becomes the
// working directory inside a conda env; callers still pass it to the runner.
//
// Full backend: conda run -n NAME [--cwd DIR] args...
// Light backend: a leading python/python3 (or pip) is swapped for the venv
// interpreter.
// None: args unchanged.
func (e *Environment) Command(dir string, args ...string) []string {
	if e == nil || len(args) == 0 {
		return args
	}
	switch e.Kind {
	case BackendFull:
		conda := e.CondaExe
		if conda == "" {
			conda = "conda"
		}
		out := []string{conda, "run", "-n", e.Name}
		if dir != "" {
			out = append(out, "--cwd", dir)
		}
		return append(out, args...)
	case BackendLight:
		if len(e.Interpreter) == 0 {
			return args
		}
		switch args[0] {
		case "python", "python3":
			return append(append([]string{}, e.Interpreter...), args[1:]...)
		case "pip", "pip3":
			out := append(append([]string{}, e.Interpreter...), "-m", "pip")
			return append(out, args[1:]...)
		}
		return args
	default:
		return args
	}
}
