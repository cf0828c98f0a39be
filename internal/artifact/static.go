package artifact

// Fixed-content files. They only reference paths relative to themselves so
// they are identical for every repository.

const startScript = `"""
Service startup entry.
"""
import os
import sys

project_root = os.path.dirname(os.path.abspath(__file__))
plugin_dir = os.path.join(project_root, "mcp_plugin")
if plugin_dir not in sys.path:
    sys.path.insert(0, plugin_dir)

source_path = os.path.join(os.path.dirname(project_root), "source")
sys.path.insert(0, source_path)

from mcp_service import create_app


def main():
    app = create_app()
    port = int(os.environ.get("MCP_PORT", "8000"))
    transport = os.environ.get("MCP_TRANSPORT", "stdio")
    if transport == "http":
        app.run(transport="http", host="0.0.0.0", port=port)
    else:
        app.run()


if __name__ == "__main__":
    main()
`

const mainScript = `"""
Service wrapper entry point.
"""
from mcp_service import create_app


def main():
    return create_app()


if __name__ == "__main__":
    app = main()
    app.run()
`

const basicTest = `"""
Basic import checks for the generated service.
"""
import os
import sys

project_root = os.path.dirname(os.path.dirname(os.path.abspath(__file__)))
plugin_dir = os.path.join(project_root, "mcp_plugin")
if plugin_dir not in sys.path:
    sys.path.insert(0, plugin_dir)

source_path = os.path.join(os.path.dirname(project_root), "source")
sys.path.insert(0, source_path)


def test_import_mcp_service():
    try:
        from mcp_service import create_app
        app = create_app()
        assert app is not None
        print("service imported successfully")
        return True
    except Exception as e:
        print("service import failed: " + str(e))
        return False


def test_adapter_init():
    try:
        from adapter import Adapter
        adapter = Adapter()
        assert adapter is not None
        print("adapter initialized successfully")
        return True
    except Exception as e:
        print("adapter initialization failed: " + str(e))
        return False


if __name__ == "__main__":
    ok = test_import_mcp_service() and test_adapter_init()
    if ok:
        print("All basic tests passed")
        sys.exit(0)
    print("Some tests failed")
    sys.exit(1)
`

const blackboxAdapter = `import json
import os
import subprocess
import sys
from typing import Any, Dict

source_path = os.path.join(os.path.dirname(os.path.dirname(os.path.dirname(os.path.abspath(__file__)))), "source")
sys.path.insert(0, source_path)


class Adapter:
    """Blackbox mode adapter."""

    def __init__(self):
        self.mode = "blackbox"

    def core(self, payload: Dict[str, Any]) -> Dict[str, Any]:
        scripts = [
            ["python", "main.py"],
            ["python", "-m", "pytest", "--help"],
            ["python", "setup.py", "test"],
        ]
        for script in scripts:
            try:
                result = subprocess.run(script, cwd=source_path, capture_output=True, text=True, timeout=10)
            except (subprocess.TimeoutExpired, subprocess.SubprocessError, OSError) as err:
                print(f"script {script} failed: {err}")
                continue
            if result.returncode == 0:
                return {"result": f"script {script} executed successfully", "status": "success"}
        return {"result": "no_executable_script_found", "status": "warning"}
`
